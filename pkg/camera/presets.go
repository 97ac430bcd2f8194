package camera

import "sort"

// Preset names for common airframes
const (
	PresetDefault  = "default"
	PresetMavicAir = "mavic-air"
	PresetPhantom4 = "phantom4"
	PresetMini     = "mini"
)

// Presets returns all available intrinsics presets.
func Presets() map[string]Intrinsics {
	return map[string]Intrinsics{
		PresetDefault:  DefaultIntrinsics(),
		PresetMavicAir: MavicAirIntrinsics(),
		PresetPhantom4: Phantom4Intrinsics(),
		PresetMini:     MiniIntrinsics(),
	}
}

// PresetNames returns the sorted list of available preset names.
func PresetNames() []string {
	names := make([]string, 0, 4)
	for name := range Presets() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPreset returns a preset by name, or nil if not found.
func GetPreset(name string) *Intrinsics {
	if in, ok := Presets()[name]; ok {
		return &in
	}
	return nil
}

// MavicAirIntrinsics returns the Mavic Air 1/2.3" camera profile.
func MavicAirIntrinsics() Intrinsics {
	in := DefaultIntrinsics()
	in.FocalLength = 0.00449
	in.HorizontalFOV = 75.5
	in.VerticalFOV = 46.9
	return in
}

// Phantom4Intrinsics returns the Phantom 4 wide-angle profile.
func Phantom4Intrinsics() Intrinsics {
	in := DefaultIntrinsics()
	in.FocalLength = 0.00361
	in.HorizontalFOV = 81.9
	in.VerticalFOV = 52.1
	return in
}

// MiniIntrinsics returns the Mavic Mini profile.
func MiniIntrinsics() Intrinsics {
	in := DefaultIntrinsics()
	in.FocalLength = 0.0045
	in.HorizontalFOV = 71.8
	in.VerticalFOV = 43.6
	return in
}
