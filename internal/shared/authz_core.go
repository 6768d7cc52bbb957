package shared

// Stock permissions declared for RBAC.
const (
	// Ledger permissions
	PermMovementView   = "inventory.movement.view"
	PermMovementRecord = "inventory.movement.record"
	PermStockView      = "inventory.stock.view"

	// Analytics permissions
	PermLossRateView = "analytics.loss_rate.view"

	// Variance detector permissions
	PermAlertView    = "variance.alert.view"
	PermAlertResolve = "variance.alert.resolve"
	PermVarianceRun  = "variance.run"

	// Transfer permissions
	PermTransferView     = "transfer.view"
	PermTransferCreate   = "transfer.create"
	PermTransferDispatch = "transfer.dispatch"
	PermTransferReceive  = "transfer.receive"
	PermTransferCancel   = "transfer.cancel"

	// Count permissions
	PermCountView     = "inventory.count.view"
	PermCountCreate   = "inventory.count.create"
	PermCountRecord   = "inventory.count.record"
	PermCountSubmit   = "inventory.count.submit"
	PermCountValidate = "inventory.count.validate"
	PermCountReject   = "inventory.count.reject"
)
