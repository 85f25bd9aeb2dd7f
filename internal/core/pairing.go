package core

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"
)

// PairRequest names the project and display name of the node to create.
type PairRequest struct {
	ProjectID uint   `json:"project_id" binding:"required"`
	NodeName  string `json:"node_name"`
}

// PairingService moves unpaired devices through pending, paired and ignored.
type PairingService struct {
	store  DataStore
	logger *logrus.Logger
}

func NewPairingService(store DataStore, logger *logrus.Logger) *PairingService {
	return &PairingService{store: store, logger: logger}
}

// Pair registers a Node for a pending device and marks it paired. The node
// and the status change commit together.
func (s *PairingService) Pair(ctx context.Context, unpairedID uint, req PairRequest) (*Node, error) {
	var node *Node
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx DataStore) error {
		dev, err := tx.GetUnpairedDevice(ctx, unpairedID)
		if err != nil {
			return err
		}
		switch dev.Status {
		case UnpairedPaired:
			return ErrAlreadyPaired
		case UnpairedIgnored:
			return ErrDeviceIgnored
		}

		if _, err := tx.GetProject(ctx, req.ProjectID); err != nil {
			return err
		}

		if existing, err := tx.FindNodeByCode(ctx, dev.HardwareID); err == nil && existing != nil {
			return ErrNodeCodeTaken
		} else if err != nil && !errors.Is(err, ErrNodeNotFound) {
			return err
		}

		name := strings.TrimSpace(req.NodeName)
		if name == "" {
			name = dev.HardwareID
		}
		node = &Node{
			Code:               dev.HardwareID,
			Name:               name,
			ProjectID:          req.ProjectID,
			NodeModelID:        dev.CandidateNodeModelID,
			SerialNumber:       dev.HardwareID,
			ConnectivityStatus: ConnectivityUnknown,
		}
		if err := tx.CreateNode(ctx, node); err != nil {
			return err
		}

		ok, err := tx.TransitionUnpairedStatus(ctx, dev.ID, UnpairedPending, UnpairedPaired, &node.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyPaired
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"unpaired_id": unpairedID,
		"node_id":     node.ID,
		"node_code":   node.Code,
		"project_id":  node.ProjectID,
	}).Info("Device paired")
	return node, nil
}

// Ignore marks a pending device ignored.
func (s *PairingService) Ignore(ctx context.Context, unpairedID uint) error {
	dev, err := s.store.GetUnpairedDevice(ctx, unpairedID)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionUnpairedStatus(ctx, dev.ID, UnpairedPending, UnpairedIgnored, nil)
	if err != nil {
		return err
	}
	if !ok {
		return conflictFor(dev.Status)
	}
	s.logger.WithField("hardware_id", dev.HardwareID).Info("Unpaired device ignored")
	return nil
}

// Reset returns an ignored device to pending.
func (s *PairingService) Reset(ctx context.Context, unpairedID uint) error {
	dev, err := s.store.GetUnpairedDevice(ctx, unpairedID)
	if err != nil {
		return err
	}
	ok, err := s.store.TransitionUnpairedStatus(ctx, dev.ID, UnpairedIgnored, UnpairedPending, nil)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotIgnored
	}
	s.logger.WithField("hardware_id", dev.HardwareID).Info("Unpaired device reset to pending")
	return nil
}

func (s *PairingService) Get(ctx context.Context, unpairedID uint) (*UnpairedDevice, error) {
	return s.store.GetUnpairedDevice(ctx, unpairedID)
}

func (s *PairingService) List(ctx context.Context, status UnpairedStatus, limit int) ([]*UnpairedDevice, error) {
	return s.store.ListUnpairedDevices(ctx, status, limit)
}

func conflictFor(status UnpairedStatus) error {
	if status == UnpairedIgnored {
		return ErrDeviceIgnored
	}
	return ErrAlreadyPaired
}
