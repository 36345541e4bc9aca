package kv

import "bytes"

// Key prefixes. Each prefix ends with '|' as a separator.
const (
	PrefixJob        = "bj|" // bj|{job_id}
	PrefixJobCreated = "bc|" // bc|{created_ns:8BE}{job_id} => empty
)

// JobKey returns the key of a job record: bj|{job_id}
func JobKey(jobID string) []byte {
	return append([]byte(PrefixJob), jobID...)
}

// JobCreatedKey returns the creation-order index key of a job:
// bc|{created_ns:8BE}{job_id}
func JobCreatedKey(createdNs uint64, jobID string) []byte {
	k := PutUint64BE([]byte(PrefixJobCreated), createdNs)
	return append(k, jobID...)
}

// JobCreatedPrefix returns the scan prefix of the creation-order index.
func JobCreatedPrefix() []byte {
	return []byte(PrefixJobCreated)
}

// JobCreatedBefore returns the index key at which entries created at or after
// createdNs begin. Scanning [JobCreatedPrefix, JobCreatedBefore) yields older jobs.
func JobCreatedBefore(createdNs uint64) []byte {
	return PutUint64BE([]byte(PrefixJobCreated), createdNs)
}

// ParseJobCreatedKey splits a creation-order index key into its creation time
// and job ID.
func ParseJobCreatedKey(k []byte) (createdNs uint64, jobID string, ok bool) {
	if !bytes.HasPrefix(k, []byte(PrefixJobCreated)) || len(k) <= len(PrefixJobCreated)+8 {
		return 0, "", false
	}
	rest := k[len(PrefixJobCreated):]
	return GetUint64BE(rest[:8]), string(rest[8:]), true
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an exclusive iterator bound.
func PrefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}
