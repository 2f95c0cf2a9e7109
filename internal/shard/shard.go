// Package shard maps document references onto worker lanes.
package shard

import (
	"fmt"
	"hash/fnv"
)

// Ref formats a document reference as "schema#id".
func Ref(schema string, id any) string {
	return fmt.Sprintf("%s#%v", schema, id)
}

// Lane picks the worker lane for key. With n <= 1 every key maps to lane 0.
// Equal keys always map to the same lane so that jobs touching one document
// never run concurrently.
func Lane(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// Label formats a lane number for logs and metrics as two hex digits.
func Label(lane int) string {
	return fmt.Sprintf("%02x", lane)
}
