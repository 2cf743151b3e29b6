package queue

// The broker vocabulary is a closed set. Static names are constants; the
// per-account queues and routing keys are derived from the account id.

const (
	createAccountQueue = "CreateBitmexAccount"
	createAccountKey   = "bitmex.cmd.account.create"

	accountCreatedKey = "bitmex.event.account.created"
	accountUpdatedKey = "bitmex.event.account.updated"
	accountDeletedKey = "bitmex.event.account.deleted"
	heartbeatKey      = "bitmex.event.account.heartbeat"

	orderCreatedKey  = "bitmex.event.order.created"
	orderUpdatedKey  = "bitmex.event.order.updated"
	orderCanceledKey = "bitmex.event.order.canceled"

	positionClosedKey    = "bitmex.event.position.closed"
	positionAddedStopKey = "bitmex.event.position.added_stop"
	positionAddedTSLKey  = "bitmex.event.position.added_tsl"
	positionUpdatedKey   = "bitmex.event.position.updated"
)

func updateAccountQueue(accountID string) string { return "UpdateBitmexAccount:" + accountID }
func deleteAccountQueue(accountID string) string { return "DeleteBitmexAccount:" + accountID }
func updateAccountKey(accountID string) string   { return "bitmex.cmd.account.update." + accountID }
func deleteAccountKey(accountID string) string   { return "bitmex.cmd.account.delete." + accountID }

func createOrderQueue(accountID string) string { return "CreateBitmexOrder:" + accountID }
func updateOrderQueue(accountID string) string { return "UpdateBitmexOrder:" + accountID }
func cancelOrderQueue(accountID string) string { return "DeleteBitmexOrder:" + accountID }
func createOrderKey(accountID string) string   { return "bitmex.cmd.order.create." + accountID }
func updateOrderKey(accountID string) string   { return "bitmex.cmd.order.update." + accountID }
func cancelOrderKey(accountID string) string   { return "bitmex.cmd.order.cancel." + accountID }

func closePositionQueue(accountID string) string { return "CloseBitmexPosition:" + accountID }
func addStopQueue(accountID string) string       { return "AddStopToBitmexPosition:" + accountID }
func addTSLQueue(accountID string) string        { return "AddTslToBitmexPosition:" + accountID }
func closePositionKey(accountID string) string   { return "bitmex.cmd.position.close." + accountID }
func addStopKey(accountID string) string         { return "bitmex.cmd.position.add_stop." + accountID }
func addTSLKey(accountID string) string          { return "bitmex.cmd.position.add_tsl." + accountID }
