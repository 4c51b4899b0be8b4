package config

import (
	"reflect"
	"testing"

	"github.com/inercia/storyplay/internal/config"
)

func TestDefaultConfigYAMLMatchesDefaults(t *testing.T) {
	cfg, err := config.Parse(DefaultConfigYAML, config.FormatYAML)
	if err != nil {
		t.Fatalf("Parse(DefaultConfigYAML) failed: %v", err)
	}
	if !reflect.DeepEqual(cfg, config.Default()) {
		t.Errorf("embedded default config drifted from config.Default():\n got  %+v\n want %+v", cfg, config.Default())
	}
}
