package feature

import (
	"fmt"

	"github.com/superbox-dev/unipi-control/internal/config"
)

// Registry is the Feature Registry of §4.C: the merged, immutable view
// over every Feature a device exposes, built once at startup.
type Registry struct {
	byID            map[string]*Feature
	byOutputCircuit map[string]*Feature
	ordered         []*Feature
}

// NewRegistry builds a Registry from one or more per-unit hardware
// definitions, merged with user-provided per-feature overrides. It
// enforces the only two invariants the rest of the daemon cannot be
// built without: unique feature ids, and (elsewhere, by the cover
// package) cover_up_feature_id != cover_down_feature_id.
func NewRegistry(defs []*config.HardwareDefinition, overrides []config.FeatureOverride) (*Registry, error) {
	overrideByCircuit := make(map[string]config.FeatureOverride, len(overrides))
	for _, o := range overrides {
		overrideByCircuit[o.Circuit] = o
	}

	r := &Registry{
		byID:            make(map[string]*Feature),
		byOutputCircuit: make(map[string]*Feature),
	}

	for _, def := range defs {
		for _, unit := range def.Units {
			blocks := unit.RegisterBlocks
			for _, fd := range unit.Features {
				blockStart, ok := findCoveringBlock(blocks, fd.Address)
				if !ok {
					return nil, fmt.Errorf("feature %s: address %d not covered by any register block", fd.ID, fd.Address)
				}

				f, err := buildFeature(unit.UnitID, unit.TransportID, blockStart, fd, overrideByCircuit[fd.Circuit])
				if err != nil {
					return nil, err
				}

				if _, exists := r.byID[f.ID]; exists {
					return nil, fmt.Errorf("duplicate feature id: %s", f.ID)
				}

				r.byID[f.ID] = f
				r.ordered = append(r.ordered, f)
				if f.Kind.Writable() {
					r.byOutputCircuit[f.Circuit] = f
				}
			}
		}
	}

	return r, nil
}

func findCoveringBlock(blocks []config.RegisterBlockDefinition, address uint16) (uint16, bool) {
	for _, b := range blocks {
		if address >= b.Start && address < b.Start+b.Count {
			return b.Start, true
		}
	}
	return 0, false
}

func buildFeature(unitID byte, transportID string, blockStart uint16, fd config.FeatureDefinition, override config.FeatureOverride) (*Feature, error) {
	kind, err := parseKind(fd.Kind)
	if err != nil {
		return nil, fmt.Errorf("feature %s: %w", fd.ID, err)
	}

	registerCount := fd.RegisterCount
	if registerCount == 0 {
		if kind == MeterField {
			registerCount = 2
		} else {
			registerCount = 1
		}
	}

	f := &Feature{
		ID:                fd.ID,
		Kind:              kind,
		Circuit:           fd.Circuit,
		TransportID:       transportID,
		UnitID:            unitID,
		Address:           fd.Address,
		BlockStart:        blockStart,
		RegisterCount:     registerCount,
		Bit:               fd.Bit,
		IsCoil:            fd.IsCoil,
		WordOrder:         parseWordOrder(fd.WordOrder),
		UnitOfMeasurement: fd.UnitOfMeasurement,
	}

	if fd.RegValueOn != nil {
		f.RegValueOn = *fd.RegValueOn
	}
	if fd.RegValueOff != nil {
		f.RegValueOff = *fd.RegValueOff
	}

	f.FriendlyName = override.FriendlyName
	f.DeviceClass = override.DeviceClass
	f.StateClass = override.StateClass
	if override.UnitOfMeasurement != "" {
		f.UnitOfMeasurement = override.UnitOfMeasurement
	}
	f.SuggestedArea = override.SuggestedArea
	f.Icon = override.Icon
	f.InvertState = override.InvertState
	f.ObjectID = override.ObjectID
	if f.ObjectID == "" {
		f.ObjectID = f.ID
	}

	return f, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "digital_input":
		return DigitalInput, nil
	case "digital_output":
		return DigitalOutput, nil
	case "relay_output":
		return RelayOutput, nil
	case "analog_input":
		return AnalogInput, nil
	case "analog_output":
		return AnalogOutput, nil
	case "meter_field":
		return MeterField, nil
	default:
		return 0, fmt.Errorf("unknown feature kind %q", s)
	}
}

// Get returns a feature by id.
func (r *Registry) Get(id string) (*Feature, bool) {
	f, ok := r.byID[id]
	return f, ok
}

// ByOutputCircuit resolves a writable feature by its circuit, used to
// look up cover_up/cover_down targets from config.
func (r *Registry) ByOutputCircuit(circuit string) (*Feature, bool) {
	f, ok := r.byOutputCircuit[circuit]
	return f, ok
}

// IterWritable returns every writable feature in registration order.
func (r *Registry) IterWritable() []*Feature {
	out := make([]*Feature, 0, len(r.ordered))
	for _, f := range r.ordered {
		if f.Kind.Writable() {
			out = append(out, f)
		}
	}
	return out
}

// IterReadable returns every feature (all kinds are readable; outputs
// are read back to confirm the physical write took effect).
func (r *Registry) IterReadable() []*Feature {
	out := make([]*Feature, len(r.ordered))
	copy(out, r.ordered)
	return out
}
