package common

import "errors"

// Errors of the Validation kind.  They are recorded as a failed transaction
// or rejected at the mempool, never retried.
var (
	// ErrNotEnoughBalance is returned when an account balance would go
	// negative
	ErrNotEnoughBalance = errors.New("not enough balance")
	// ErrNonceMismatch is returned when a transaction nonce does not match
	// the account nonce
	ErrNonceMismatch = errors.New("nonce mismatch")
	// ErrInvalidTimeRange is returned when the transaction time range does
	// not contain the block timestamp
	ErrInvalidTimeRange = errors.New("invalid time range")
	// ErrInvalidSignature is returned when the transaction signature does
	// not verify against the account signing key
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrAccountNotFound is returned when the referenced account does not
	// exist in the state tree
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountAlreadyExists is returned when creating an account with an
	// id already present in the state tree
	ErrAccountAlreadyExists = errors.New("account already exists")
	// ErrSigningKeyNotSet is returned when an account without a signing
	// key submits an L2 transaction
	ErrSigningKeyNotSet = errors.New("account signing key not set")
	// ErrCloseDisabled is returned when a Close operation reaches apply.
	// Close is kept in the pubdata codec for replay compatibility but is
	// permanently disabled.
	ErrCloseDisabled = errors.New("close operation is disabled")
	// ErrUnknownToken is returned when a transaction references a token id
	// that has not been activated
	ErrUnknownToken = errors.New("unknown token")
	// ErrUnknownNFTFactory is returned by MintNFT when the declared
	// factory has not been registered on L1
	ErrUnknownNFTFactory = errors.New("unknown NFT factory")

	// ErrBalanceOverflow is returned when a balance does not fit in 16
	// bytes
	ErrBalanceOverflow = errors.New("balance overflows 16 bytes")
)

// Errors of the Invariant kind.  Observing any of them halts the node.
var (
	// ErrPriorityOpGap signals a hole in the priority op serial id
	// sequence, which is impossible on a consistent L1 view
	ErrPriorityOpGap = errors.New("gap in priority op serial ids")
	// ErrBalanceSumMismatch signals that applying an op changed the total
	// supply of a token in a way the op kind does not declare
	ErrBalanceSumMismatch = errors.New("op balance sum does not match declared mint/burn")
	// ErrNonceDecrease signals an account nonce going backwards
	ErrNonceDecrease = errors.New("account nonce decrease")
	// ErrRootDivergence signals that the incrementally maintained tree
	// root diverged from a full recomputation
	ErrRootDivergence = errors.New("state root divergence")
	// ErrAccountIDOverflow signals exhaustion of the dense account index
	// space, which the tree depth cannot represent
	ErrAccountIDOverflow = errors.New("account id overflows tree depth")
)

// ErrDone is returned when a blocking operation stops because its context
// was canceled
var ErrDone = errors.New("done")

// Serialization errors
var (
	// ErrAccountIDBytesLen is returned when parsing an AccountID from a
	// byte array of the wrong length
	ErrAccountIDBytesLen = errors.New("can not parse AccountID, wrong byte array length")
	// ErrTokenIDBytesLen is returned when parsing a TokenID from a byte
	// array of the wrong length
	ErrTokenIDBytesLen = errors.New("can not parse TokenID, wrong byte array length")
	// ErrAccountBytesLen is returned when parsing an Account from a byte
	// array of the wrong length
	ErrAccountBytesLen = errors.New("can not parse Account, wrong byte array length")
	// ErrPubdataTooShort is returned when decoding pubdata that ends in
	// the middle of an operation
	ErrPubdataTooShort = errors.New("pubdata ends mid operation")
	// ErrUnknownOpCode is returned when decoding pubdata with an op code
	// outside the known set
	ErrUnknownOpCode = errors.New("unknown op code in pubdata")
)
