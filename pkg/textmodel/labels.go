package textmodel

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"emotion-server/pkg/classifier"
	"emotion-server/pkg/errors"
)

// DefaultLabels is the dair-ai/emotion label order the model was trained on
var DefaultLabels = []string{"sadness", "joy", "love", "anger", "fear", "surprise"}

// LoadLabels reads the index to label mapping, either as an object keyed by
// index ({"0": "sadness", ...}) or as a plain array.
func LoadLabels(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewModelLoad("label mapping", err)
	}
	labels, err := ParseLabels(data)
	if err != nil {
		return nil, errors.NewModelLoad("label mapping", err)
	}
	return labels, nil
}

// ParseLabels decodes a label mapping document
func ParseLabels(data []byte) ([]string, error) {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		var byIndex map[string]string
		if objErr := json.Unmarshal(data, &byIndex); objErr != nil {
			return nil, fmt.Errorf("label mapping must be a JSON array or an object keyed by index")
		}
		if labels, err = orderedLabels(byIndex); err != nil {
			return nil, err
		}
	}

	if err := classifier.ValidateLabels(labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func orderedLabels(byIndex map[string]string) ([]string, error) {
	indices := make([]int, 0, len(byIndex))
	for key := range byIndex {
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("label key %q is not an index", key)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	labels := make([]string, len(indices))
	for i, idx := range indices {
		if idx != i {
			return nil, fmt.Errorf("label indices must be contiguous from 0, missing %d", i)
		}
		labels[i] = byIndex[strconv.Itoa(idx)]
	}
	return labels, nil
}
