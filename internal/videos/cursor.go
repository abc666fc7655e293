package videos

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/aura-nvr/backend/internal/apperr"
)

// cursor marks the last entry returned. Results are ordered by sort key then
// camera, so the pair is a total position across cameras.
type cursor struct {
	SortKey  string `json:"sk"`
	CameraID string `json:"cam"`
}

func (c cursor) encode() string {
	b, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(b)
}

func decodeCursor(s string) (*cursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", apperr.ErrInvalidArgument)
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil || c.SortKey == "" || c.CameraID == "" {
		return nil, fmt.Errorf("%w: malformed cursor", apperr.ErrInvalidArgument)
	}
	return &c, nil
}

// less orders entries by position.
func less(skA, camA, skB, camB string) bool {
	if skA != skB {
		return skA < skB
	}
	return camA < camB
}
