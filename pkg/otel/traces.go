package otel

const (
	Prefix                      = "batch-"
	AttributeBatchOperationKey  = Prefix + "operation-key"
	AttributeBatchOperationType = Prefix + "operation-type"
	AttributeItemKey            = Prefix + "item-key"
	AttributeItemState          = Prefix + "item-state"
)
