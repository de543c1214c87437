package models

// CostingMethod selects how COGS is computed when stock leaves.
type CostingMethod string

const (
	CostingMethodFifo CostingMethod = "FIFO"
	CostingMethodAvg  CostingMethod = "AVG"
)

func (m CostingMethod) Valid() bool {
	return m == CostingMethodFifo || m == CostingMethodAvg
}

// LayerReferenceType records which document created a cost layer.
// Stored as a plain short string; Valid() is the gate, so the schema
// works on both MySQL and the sqlite databases the tests run on.
type LayerReferenceType string

const (
	LayerReferenceTypeOpeningBalance LayerReferenceType = "OB"
	LayerReferenceTypeStockIn        LayerReferenceType = "SI"
	LayerReferenceTypeReturn         LayerReferenceType = "RT"
)

func (t LayerReferenceType) Valid() bool {
	return t == LayerReferenceTypeOpeningBalance ||
		t == LayerReferenceTypeStockIn ||
		t == LayerReferenceTypeReturn
}

// AllocationStatus is the outcome of one allocation attempt.
type AllocationStatus string

const (
	AllocationStatusSuccess          AllocationStatus = "success"
	AllocationStatusAlreadyAllocated AllocationStatus = "already_allocated"
	AllocationStatusPartial          AllocationStatus = "partial"
	AllocationStatusFailed           AllocationStatus = "failed"
)

// Reason codes reported on AllocationResult. Expected/business failures
// travel as these codes, never as thrown errors (batch callers aggregate).
const (
	ReasonValidationError        = "validation_error"
	ReasonInsufficientStock      = "insufficient_stock"
	ReasonNoBundleRecipe         = "no_bundle_recipe"
	ReasonLayerInUse             = "layer_in_use"
	ReasonConcurrentModification = "concurrent_modification"
	ReasonAlreadyReversed        = "already_reversed"
)

// Outbox publish statuses for RebuildOutboxRecord.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
