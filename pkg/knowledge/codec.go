package knowledge

import (
	"encoding/json"
	"fmt"

	"github.com/vox-deorum/strategos/pkg/models"
)

// Visibility masks are stored as a blob: byte p holds player p's level.

func visToBlob(v models.Visibility) []byte {
	blob := make([]byte, len(v))
	for i, level := range v {
		blob[i] = byte(level)
	}
	return blob
}

func visFromBlob(blob []byte) models.Visibility {
	vis := make(models.Visibility, len(blob))
	for i, b := range blob {
		vis[i] = models.VisibilityLevel(b)
	}
	return vis
}

func marshalPayload(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return string(data), nil
}

func unmarshalPayload(data string) (map[string]any, error) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}
