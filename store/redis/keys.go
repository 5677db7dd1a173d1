package redis

// Key prefixes for primary entity storage.
const (
	prefixNonce      = "metarelay:nonce:"
	prefixSubmission = "metarelay:sub:"
	prefixOperation  = "metarelay:op:"
	prefixAttempt    = "metarelay:att:"
	prefixDLQ        = "metarelay:dlq:"
)

// Key prefixes for unique indexes.
const (
	uniqueActiveOp = "metarelay:u:op:active:" // + identity
)

// Key prefixes for sorted set indexes.
const (
	zSubmissionAll  = "metarelay:z:sub:all"
	zSubmissionFrom = "metarelay:z:sub:from:" // + identity
	zSubmissionDue  = "metarelay:z:sub:due"   // pending only, scored by NextCheckAt
	zOperationAll   = "metarelay:z:op:all"
	zOperationFrom  = "metarelay:z:op:from:" // + identity
	zOperationDue   = "metarelay:z:op:due"   // non-terminal only, scored by NextCheckAt
	zDLQAll         = "metarelay:z:dlq:all"
	zDLQFrom        = "metarelay:z:dlq:from:" // + identity
)

// Key prefixes for set and list indexes.
const (
	sSubmissionState = "metarelay:s:sub:state:" // + state
	lAttemptsOp      = "metarelay:l:att:op:"    // + operation ID
)

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}
