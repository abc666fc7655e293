package models

import (
	"time"

	"github.com/google/uuid"
)

// Failure stages for the operator ledger.
const (
	StageUpload    = "upload"
	StageNormalize = "normalize"
	StageIndex     = "index"
)

// Failure is an operator-visible record of a terminal pipeline failure.
type Failure struct {
	ID        uuid.UUID `json:"id"`
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}
