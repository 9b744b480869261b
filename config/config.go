// config loads JSON configuration files.
package config

import "encoding/json"
import "fmt"
import "os"

// decodes the JSON file at path into cfg, which must be a pointer. unknown
// fields are an error.
func Load(path string, cfg interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}
