package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrDeployment is wrapped by every DeploymentError
	ErrDeployment = errors.New("deployment failed")
	// ErrBlockchain is wrapped by every BlockchainError
	ErrBlockchain = errors.New("blockchain operation failed")
	// ErrDuplicateDocument is returned when the document hash is already recorded
	ErrDuplicateDocument = errors.New("document already exists on-chain")
	// ErrInvalidAddress is returned for a malformed contract address
	ErrInvalidAddress = errors.New("invalid contract address")
	// ErrOutcomeUnknown is wrapped when the confirmation wait timed out after
	// the transaction was sent
	ErrOutcomeUnknown = errors.New("transaction outcome unknown")
)

// DeploymentError describes a failed contract creation.
type DeploymentError struct {
	Op  string
	Err error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrDeployment, e.Op, e.Err)
}

func (e *DeploymentError) Unwrap() []error {
	return []error{ErrDeployment, e.Err}
}

// BlockchainError describes a failed read or write against a deployed
// contract.
type BlockchainError struct {
	Op  string
	Err error
}

func (e *BlockchainError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrBlockchain, e.Op, e.Err)
}

func (e *BlockchainError) Unwrap() []error {
	return []error{ErrBlockchain, e.Err}
}
