package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuongbtq/tryon-be/internal/tryon/domain"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		preset     string
		wantPreset string
	}{
		{name: "known preset", preset: "beach", wantPreset: "beach"},
		{name: "mixed case", preset: " Studio ", wantPreset: "studio"},
		{name: "unknown falls back to default", preset: "underwater", wantPreset: DefaultPreset},
		{name: "empty falls back to default", preset: "", wantPreset: DefaultPreset},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := Lookup(tt.preset)
			assert.Equal(t, tt.wantPreset, got)
		})
	}
}

func TestCompose(t *testing.T) {
	inputs := domain.JobInputs{
		SubjectImageRef: "subjects/a.png",
		GarmentImageRef: "garments/b.png",
		EditType:        domain.EditTypeTryOn,
	}

	t.Run("try-on instruction references both images", func(t *testing.T) {
		got := Compose(inputs, domain.JobSettings{Preset: "street"})

		assert.Contains(t, got, "first image")
		assert.Contains(t, got, "second image")
		assert.Contains(t, got, "city street")
		assert.NotContains(t, got, "third image")
	})

	t.Run("identity safe adds preservation directive", func(t *testing.T) {
		got := Compose(inputs, domain.JobSettings{IdentitySafe: true})

		assert.Contains(t, got, "facial identity")
	})

	t.Run("background reference included when present", func(t *testing.T) {
		withBG := inputs
		withBG.BackgroundImageRef = "backgrounds/c.png"
		got := Compose(withBG, domain.JobSettings{})

		assert.Contains(t, got, "third image")
	})

	t.Run("background edit keeps clothing unchanged", func(t *testing.T) {
		bgEdit := inputs
		bgEdit.EditType = domain.EditTypeBackground
		got := Compose(bgEdit, domain.JobSettings{})

		assert.Contains(t, got, "keeping the person and their clothing unchanged")
	})

	t.Run("free text instruction is appended", func(t *testing.T) {
		got := Compose(inputs, domain.JobSettings{Instruction: "roll up the sleeves"})

		assert.Contains(t, got, "roll up the sleeves")
	})
}
