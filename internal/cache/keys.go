package cache

import "fmt"

func JobProgressKey(jobID int64) string {
	return fmt.Sprintf("job:%d:progress", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

// InventoryKey holds the last cluster inventory served by the API.
func InventoryKey() string {
	return "proxmox:inventory"
}
