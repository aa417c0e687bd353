package prompt

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

// Preset is a named bundle of scene, lighting and mood directives. The
// catalog is configuration data, not control flow: the orchestrator never
// branches on preset contents.
type Preset struct {
	Scene    string
	Lighting string
	Mood     string
}

// DefaultPreset is used when a job names no preset or an unknown one.
const DefaultPreset = "studio"

var catalog = map[string]Preset{
	"studio": {
		Scene:    "a clean photography studio with a seamless neutral backdrop",
		Lighting: "soft diffused key light with gentle fill",
		Mood:     "polished catalog photography",
	},
	"street": {
		Scene:    "a city street with shallow depth of field",
		Lighting: "natural late-afternoon daylight",
		Mood:     "candid streetwear editorial",
	},
	"beach": {
		Scene:    "a sandy beach near the waterline",
		Lighting: "warm golden-hour sunlight",
		Mood:     "relaxed summer lookbook",
	},
	"evening": {
		Scene:    "an upscale indoor venue with blurred ambient lights",
		Lighting: "warm low-key lighting with soft highlights",
		Mood:     "elegant evening-wear shoot",
	},
}

// Presets returns the names of all configured presets.
func Presets() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	return names
}

// Lookup resolves a preset name, falling back to the default for unknown or
// empty names.
func Lookup(name string) (Preset, string) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := catalog[key]; ok {
		return p, key
	}
	return catalog[DefaultPreset], DefaultPreset
}

// Compose builds the generation instruction for one attempt from the job's
// immutable inputs and settings.
func Compose(inputs domain.JobInputs, settings domain.JobSettings) string {
	preset, presetName := Lookup(settings.Preset)

	var lines []string
	switch inputs.EditType {
	case domain.EditTypeBackground:
		lines = append(lines, "Replace the background of the first image while keeping the person and their clothing unchanged.")
	default:
		lines = append(lines, "Dress the person from the first image in the garment shown in the second image.")
		lines = append(lines, "Fit the garment naturally to the person's pose and body proportions, preserving the garment's color, texture, and details.")
	}

	lines = append(lines, fmt.Sprintf("Scene: %s. Lighting: %s. Overall mood: %s.", preset.Scene, preset.Lighting, preset.Mood))

	if inputs.BackgroundImageRef != "" {
		lines = append(lines, "Use the third image as the background reference.")
	}

	if settings.IdentitySafe {
		lines = append(lines, "Preserve the subject's facial identity exactly: do not alter the eyes, facial structure, or skin tone.")
	}

	if instr := strings.TrimSpace(settings.Instruction); instr != "" {
		lines = append(lines, fmt.Sprintf("Additional guidance: %s.", instr))
	}

	lines = append(lines, fmt.Sprintf("Preset: %s.", presetName))

	return strings.Join(lines, "\n")
}
