package main

// shortID truncates a cycle or order ID to 8 bytes for log fields.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
