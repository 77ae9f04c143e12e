package project

import (
	"encoding/json"
	"os"
)

func writeGraphFile(path string, g Graph) error {
	b, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0600)
}

func readGraphFile(path string) (Graph, error) {
	var g Graph
	b, err := os.ReadFile(path)
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal(b, &g); err != nil {
		return g, err
	}
	return g, nil
}
