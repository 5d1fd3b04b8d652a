package domain

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// MarketplaceSyncPayload triggers a marketplace synchronization run.
type MarketplaceSyncPayload struct {
	Marketplace   string `json:"marketplace" validate:"required,oneof=amazon ebay etsy shopify"`
	SyncScope     string `json:"sync_scope" validate:"required,oneof=full inventory prices orders"`
	CredentialRef string `json:"credential_ref" validate:"required"`
}

// BulkProductUpdatePayload applies field updates to a batch of products.
type BulkProductUpdatePayload struct {
	ProductIDs []string       `json:"product_ids" validate:"required,min=1,dive,required"`
	Fields     map[string]any `json:"fields" validate:"required,min=1"`
}

// ProductImportPayload imports products from an external source.
type ProductImportPayload struct {
	SourceURL string `json:"source_url" validate:"required,url"`
	Format    string `json:"format" validate:"required,oneof=csv json"`
}

// AIOptimizationScanPayload runs an AI optimization scan over listings.
type AIOptimizationScanPayload struct {
	Target     string   `json:"target" validate:"required,oneof=titles descriptions keywords images"`
	ProductIDs []string `json:"product_ids" validate:"omitempty,dive,required"`
}

// validatePayload unmarshals raw JSON into T and runs struct validation.
func validatePayload[T any](jobType string, raw json.RawMessage) error {
	var payload T

	if err := json.Unmarshal(raw, &payload); err != nil {
		return &ValidationError{JobType: jobType, Reason: "malformed JSON", Err: err}
	}

	if err := validate.Struct(payload); err != nil {
		if _, ok := err.(validator.ValidationErrors); ok {
			return &ValidationError{JobType: jobType, Err: err}
		}
		return err
	}

	return nil
}

// ValidatePayload checks raw against the schema registered for jobType.
// Payloads are a tagged union keyed by job type, not an opaque blob.
func ValidatePayload(jobType string, raw json.RawMessage) error {
	switch jobType {
	case JobTypeMarketplaceSync:
		return validatePayload[MarketplaceSyncPayload](jobType, raw)
	case JobTypeBulkProductUpdate:
		return validatePayload[BulkProductUpdatePayload](jobType, raw)
	case JobTypeProductImport:
		return validatePayload[ProductImportPayload](jobType, raw)
	case JobTypeAIOptimizationScan:
		return validatePayload[AIOptimizationScanPayload](jobType, raw)
	default:
		return &ValidationError{JobType: jobType, Reason: "unknown job type"}
	}
}
