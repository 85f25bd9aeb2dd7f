package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
)

// INGEST_MQTT_BROKER_URL -> mqtt.broker_url
var envKeyReplacer = strings.NewReplacer(".", "_")

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}
