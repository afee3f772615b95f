package mapgen

import "fmt"

// Bounds is an inclusive accepted range of raw byte values.
type Bounds struct {
	Min byte
	Max byte
}

// Contains reports whether v is inside the bounds.
func (b Bounds) Contains(v byte) bool { return v >= b.Min && v <= b.Max }

var (
	// FootprintBounds accepts any covered detector pixel; 0 is the no-data sentinel.
	FootprintBounds = Bounds{Min: 1, Max: 255}
	// SceneClassBounds accepts vegetation, bare soil and water.
	SceneClassBounds = Bounds{Min: 4, Max: 6}
)

// ProbabilityBounds accepts probabilities up to maxPercentage.
func ProbabilityBounds(maxPercentage byte) Bounds {
	return Bounds{Min: 0, Max: maxPercentage}
}

// ValidityInputs are the raw quality bands feeding BuildValidity. Every band must have the
// output grid's pixel count. A nil Cloud, Snow or SceneClass band disables that predicate.
type ValidityInputs struct {
	Footprints [][]byte
	Cloud      []byte
	CloudMax   byte
	Snow       []byte
	SnowMax    byte
	SceneClass []byte
	SceneRange Bounds
}

// JoinMasks zeroes every pixel of out whose value in any of masks falls outside bounds.
// It never sets a pixel, so joins compose conjunctively in any order.
func JoinMasks(out *Grid, bounds Bounds, masks ...[]byte) error {
	for _, mask := range masks {
		if err := out.check(mask); err != nil {
			return err
		}
		for i, v := range mask {
			if !bounds.Contains(v) {
				out.Pix[i] = 0
			}
		}
	}
	return nil
}

// BuildValidity writes the combined validity mask into out.
func BuildValidity(out *Grid, in ValidityInputs) error {
	out.Fill(1)

	if err := JoinMasks(out, FootprintBounds, in.Footprints...); err != nil {
		return fmt.Errorf("footprint masks: %w", err)
	}
	if in.Cloud != nil {
		if err := JoinMasks(out, ProbabilityBounds(in.CloudMax), in.Cloud); err != nil {
			return fmt.Errorf("cloud mask: %w", err)
		}
	}
	if in.Snow != nil {
		if err := JoinMasks(out, ProbabilityBounds(in.SnowMax), in.Snow); err != nil {
			return fmt.Errorf("snow mask: %w", err)
		}
	}
	if in.SceneClass != nil {
		if err := JoinMasks(out, in.SceneRange, in.SceneClass); err != nil {
			return fmt.Errorf("scene classification: %w", err)
		}
	}
	return nil
}
