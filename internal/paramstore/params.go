package paramstore

import (
	"encoding/json"

	"github.com/anodyne74/cangated/internal/gateway"
	"github.com/pkg/errors"
)

// Parameter keys shared with the external controls subsystem.
const (
	KeyObdMultiplexingEnabled = "ObdMultiplexingEnabled"
	KeyObdMultiplexingChanged = "ObdMultiplexingChanged"
	KeyFirmwareQueryDone      = "FirmwareQueryDone"
	KeyControlsReady          = "ControlsReady"
	KeyCarParams              = "CarParams"
	KeyIsOnroad               = "IsOnroad"
)

// SafetyConfigEntry is one positional entry of CarParams.safety_configs.
type SafetyConfigEntry struct {
	SafetyModel gateway.SafetyModel `json:"safety_model"`
	SafetyParam int16               `json:"safety_param"`
}

// CarParams is the subset of the external controls subsystem's
// vehicle-identification result that the Safety Handshake needs: the
// positional safety configuration plus the shared alternative-
// experience mask.
type CarParams struct {
	SafetyConfigs         []SafetyConfigEntry `json:"safety_configs"`
	AlternativeExperience uint16              `json:"alternative_experience"`
}

// GetCarParams decodes the CarParams parameter.
func (s *Store) GetCarParams() (CarParams, bool, error) {
	raw, ok, err := s.Get(KeyCarParams)
	if err != nil || !ok {
		return CarParams{}, ok, err
	}
	var cp CarParams
	if err := json.Unmarshal(raw, &cp); err != nil {
		return CarParams{}, false, errors.Wrap(err, "decode CarParams")
	}
	return cp, true, nil
}

// PutCarParams encodes and stores CarParams (used by tests to seed
// scenarios).
func (s *Store) PutCarParams(cp CarParams) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return errors.Wrap(err, "encode CarParams")
	}
	return s.Put(KeyCarParams, raw)
}
