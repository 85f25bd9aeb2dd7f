package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"example.com/backstage/services/ingest/internal/core"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
)

// ProfileBundle is the YAML document accepted by the profile importer.
type ProfileBundle struct {
	Models   []ModelDoc   `yaml:"models"`
	Profiles []ProfileDoc `yaml:"profiles"`
}

type ModelDoc struct {
	Code         string `yaml:"code"`
	Name         string `yaml:"name"`
	Manufacturer string `yaml:"manufacturer"`
}

type ProfileDoc struct {
	Code            string                 `yaml:"code"`
	Name            string                 `yaml:"name"`
	Model           string                 `yaml:"model"`
	ProjectID       *uint                  `yaml:"project_id"`
	Parser          core.ParserType        `yaml:"parser"`
	Enabled         *bool                  `yaml:"enabled"`
	Mapping         core.MappingDefinition `yaml:"mapping"`
	TransformScript string                 `yaml:"transform_script"`
	OutputSchema    map[string]any         `yaml:"output_schema"`
}

// ImportResult counts what an import wrote.
type ImportResult struct {
	Models   int
	Profiles int
}

// LoadProfiles parses a profile bundle.
func LoadProfiles(r io.Reader) (*ProfileBundle, error) {
	var b ProfileBundle
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil {
		if errors.Is(err, io.EOF) {
			return &b, nil
		}
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	return &b, nil
}

// Import upserts every model and profile of b in one transaction. Each
// profile is checked with Check before anything is written.
func (b *ProfileBundle) Import(ctx context.Context, store core.DataStore, engine *Engine) (ImportResult, error) {
	var res ImportResult

	specs := make([]*core.MappingSpec, 0, len(b.Profiles))
	for _, doc := range b.Profiles {
		spec, err := doc.spec()
		if err != nil {
			return res, fmt.Errorf("profile %q: %w", doc.Code, err)
		}
		if err := engine.Check(spec); err != nil {
			return res, fmt.Errorf("profile %q: %w", doc.Code, err)
		}
		specs = append(specs, spec)
	}

	err := store.WithTransaction(ctx, func(ctx context.Context, tx core.DataStore) error {
		for _, m := range b.Models {
			if m.Code == "" {
				return fmt.Errorf("model without code")
			}
			model := &core.NodeModel{Code: m.Code, Name: m.Name, Manufacturer: m.Manufacturer}
			if model.Name == "" {
				model.Name = m.Code
			}
			if err := tx.UpsertNodeModel(ctx, model); err != nil {
				return err
			}
			res.Models++
		}

		for i, spec := range specs {
			model, err := tx.GetNodeModelByCode(ctx, b.Profiles[i].Model)
			if err != nil {
				return fmt.Errorf("profile %q: %w", spec.Code, err)
			}
			spec.NodeModelID = model.ID
			if spec.ProjectID != nil {
				if _, err := tx.GetProject(ctx, *spec.ProjectID); err != nil {
					return fmt.Errorf("profile %q: %w", spec.Code, err)
				}
			}
			if err := tx.UpsertMappingSpec(ctx, spec); err != nil {
				return err
			}
			res.Profiles++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

func (d ProfileDoc) spec() (*core.MappingSpec, error) {
	if d.Code == "" {
		return nil, fmt.Errorf("code is required")
	}
	if d.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	spec := &core.MappingSpec{
		Code:            d.Code,
		Name:            d.Name,
		ProjectID:       d.ProjectID,
		ParserType:      d.Parser,
		Mapping:         datatypes.NewJSONType(d.Mapping),
		TransformScript: strings.TrimSpace(d.TransformScript),
		Enabled:         d.Enabled == nil || *d.Enabled,
	}
	if spec.Name == "" {
		spec.Name = d.Code
	}
	if spec.ParserType == "" {
		spec.ParserType = core.ParserJSON
	}
	if len(d.OutputSchema) > 0 {
		raw, err := json.Marshal(d.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("output_schema: %w", err)
		}
		spec.OutputSchema = raw
	}
	return spec, nil
}

// Check rejects a profile that could never map anything: unknown parser,
// bad binary layout, uncompilable script, invalid schema or channels
// without a metric code.
func (e *Engine) Check(spec *core.MappingSpec) error {
	def := spec.Mapping.Data()

	if _, err := DecoderFor(spec.ParserType, def); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSpecInvalid, err)
	}
	if spec.ParserType == core.ParserCustom && spec.TransformScript == "" {
		return fmt.Errorf("%w: custom parser requires a transform script", core.ErrSpecInvalid)
	}
	if spec.TransformScript != "" {
		if _, err := e.scripts.compile(spec.TransformScript); err != nil {
			return fmt.Errorf("%w: transform script: %v", core.ErrSpecInvalid, err)
		}
	}
	if len(spec.OutputSchema) > 0 {
		if _, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(spec.OutputSchema)); err != nil {
			return fmt.Errorf("%w: output schema: %v", core.ErrSpecInvalid, err)
		}
	}

	if len(def.Channels) == 0 {
		return fmt.Errorf("%w: no channels", core.ErrSpecInvalid)
	}
	frame := spec.ParserType == core.ParserBinary && def.Binary != nil &&
		(def.Binary.Format == "" || strings.EqualFold(def.Binary.Format, "frame"))
	seen := make(map[string]bool, len(def.Channels))
	for _, ch := range def.Channels {
		if ch.MetricCode == "" {
			return fmt.Errorf("%w: channel without metricCode", core.ErrSpecInvalid)
		}
		if seen[ch.MetricCode] {
			return fmt.Errorf("%w: duplicate metricCode %q", core.ErrSpecInvalid, ch.MetricCode)
		}
		seen[ch.MetricCode] = true
		if frame && fieldSize(ch.DataType) == 0 {
			return fmt.Errorf("%w: channel %q has unknown dataType %q", core.ErrSpecInvalid, ch.MetricCode, ch.DataType)
		}
	}
	return nil
}
