package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/atomjob/internal/guard"
	"github.com/roach88/atomjob/internal/lifecycle"
)

// loadPolicy returns the compiled-in policy for an empty path, otherwise
// the CUE file at path.
func loadPolicy(path string) (guard.Policy, error) {
	if path == "" {
		return guard.DefaultPolicy(), nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return guard.Policy{}, fmt.Errorf("policy file not found: %s", path)
	}
	if err != nil {
		return guard.Policy{}, fmt.Errorf("error accessing policy file: %w", err)
	}
	if info.IsDir() {
		return guard.Policy{}, fmt.Errorf("policy path is a directory: %s", path)
	}
	return guard.LoadPolicy(path)
}

// readInputFiles loads documents from disk. Content types come from the
// extension, falling back to sniffing the first bytes.
func readInputFiles(paths []string) ([]lifecycle.File, error) {
	out := make([]lifecycle.File, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		out = append(out, lifecycle.File{
			Name:        filepath.Base(p),
			ContentType: contentType(p, data),
			Content:     data,
		})
	}
	return out, nil
}

func contentType(path string, data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// readFields decodes a JSON object of submission fields. Numbers stay
// json.Number so integers are not widened to floats.
func readFields(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return decodeObject(data)
}

func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}
	return fields, nil
}

// parseFieldFlags turns repeated --field key=value flags into fields.
// Values are kept as strings.
func parseFieldFlags(pairs []string, into map[string]any) (map[string]any, error) {
	if len(pairs) == 0 {
		return into, nil
	}
	if into == nil {
		into = make(map[string]any, len(pairs))
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --field %q: want key=value", p)
		}
		into[k] = v
	}
	return into, nil
}
