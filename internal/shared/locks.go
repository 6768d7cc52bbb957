package shared

import "fmt"

// VarianceScanLockKey builds the redis key guarding a detector run for one store.
func VarianceScanLockKey(storeID int64) string {
	return fmt.Sprintf("variance:scan:store:%d:lock", storeID)
}

// StockKey identifies one (store, product) pair in lock tables and caches.
func StockKey(storeID, productID int64) string {
	return fmt.Sprintf("stock:%d:%d", storeID, productID)
}
