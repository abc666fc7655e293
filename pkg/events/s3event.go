// Package events delivers S3 object-created notifications from SQS to a
// handler with at-least-once semantics.
package events

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/aura-nvr/backend/internal/models"
)

type s3Notification struct {
	Records []struct {
		EventName string `json:"eventName"`
		S3        struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
	Event string `json:"Event"`
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// ParseS3Event extracts object-created records from an SQS message body.
// SNS-wrapped notifications are unwrapped. Test events and non-create
// records yield no refs. Object keys are URL-decoded.
func ParseS3Event(body []byte) ([]models.ObjectRef, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Type == "Notification" && env.Message != "" {
		body = []byte(env.Message)
	}

	var n s3Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("decode s3 notification: %w", err)
	}
	if n.Event == "s3:TestEvent" {
		return nil, nil
	}
	if n.Records == nil {
		return nil, fmt.Errorf("decode s3 notification: no Records")
	}

	var refs []models.ObjectRef
	for _, r := range n.Records {
		if !strings.HasPrefix(r.EventName, "ObjectCreated:") {
			continue
		}
		key, err := url.QueryUnescape(r.S3.Object.Key)
		if err != nil {
			return nil, fmt.Errorf("decode key %q: %w", r.S3.Object.Key, err)
		}
		refs = append(refs, models.ObjectRef{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			Size:      r.S3.Object.Size,
			EventName: r.EventName,
		})
	}
	return refs, nil
}
