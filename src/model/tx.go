package model

// Call - a single contract invocation inside a multicall transaction. All
// values are 0x-prefixed hex felts.
type Call struct {
	ContractAddress    string   `json:"contract_address"`
	EntryPointSelector string   `json:"entry_point_selector"`
	Calldata           []string `json:"calldata"`
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxSucceeded TxStatus = "succeeded"
	TxReverted  TxStatus = "reverted"
	TxRejected  TxStatus = "rejected"
)

func (s TxStatus) Final() bool {
	return s == TxSucceeded || s == TxReverted || s == TxRejected
}
