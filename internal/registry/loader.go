package registry

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/LandingPadAI/agent-coordinator/pkg/coorderr"
)

// LoadDir registers every YAML definition file (one workflow per file) found
// directly under dir. Returns the number of definitions registered.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, coorderr.Wrap(err, coorderr.CategoryValidation, coorderr.CodeInvalidDefinition, "read definitions dir "+dir)
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := loadDefinitionFile(path)
		if err != nil {
			return loaded, err
		}
		if err := r.Register(def); err != nil {
			return loaded, err
		}
		log.Info().Str("file", path).Str("workflowType", def.Type).Msg("loaded workflow definition")
		loaded++
	}
	return loaded, nil
}

func loadDefinitionFile(path string) (WorkflowDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, coorderr.Wrap(err, coorderr.CategoryValidation, coorderr.CodeInvalidDefinition, "read "+path)
	}
	var def WorkflowDefinition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return WorkflowDefinition{}, coorderr.Wrap(err, coorderr.CategoryValidation, coorderr.CodeInvalidDefinition, "parse "+path)
	}
	return def, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
