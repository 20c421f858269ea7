// Package importer defines the boundary to the AI extraction service that
// turns raw import sources into structured meals. The extraction itself
// lives outside this repository; billing only needs the contract.
package importer

import "context"

type Input struct {
	SourceType string // text, url or image
	Text       string
	URL        string
	ImageKey   string // storage key of a parked image upload
}

type Result struct {
	Title      string                 `json:"title"`
	Meal       map[string]interface{} `json:"meal"`
	TokensUsed int                    `json:"tokens_used"`
	Confidence float64                `json:"confidence"`
}

// Extractor is implemented by the external extraction service client.
type Extractor interface {
	Extract(ctx context.Context, in Input) (*Result, error)
}
