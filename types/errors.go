package types

import "errors"

var (
	// ErrEmptySource is returned when the dataset has no non-empty header line.
	ErrEmptySource = errors.New("source is empty or missing a header line")

	// ErrPaymentRejected means the signer never confirmed the escrow transaction.
	ErrPaymentRejected = errors.New("payment transaction was not confirmed by the signer")
	// ErrPaymentReverted means the escrow transaction was confirmed but reverted.
	ErrPaymentReverted = errors.New("payment transaction reverted on the ledger")
	// ErrTaskIdUnresolved means the task id read did not resolve within the
	// bounded number of attempts.
	ErrTaskIdUnresolved = errors.New("could not resolve the task id from the ledger")

	// ErrDispatchNotConfirmed means the remote command handler did not
	// acknowledge the training-start command.
	ErrDispatchNotConfirmed = errors.New("training command was not acknowledged by the network")

	// ErrDecryption marks a result share that could not be decrypted with the
	// round's private key. Per-event; never aborts a completion check.
	ErrDecryption = errors.New("could not decrypt result share")

	// ErrNoTrainers is returned when training is started before any
	// TRAINER-role node has joined the round.
	ErrNoTrainers = errors.New("no trainer node has joined the round yet")

	// ErrRoundNotActive is returned when a background update loses the race
	// against a phase transition and its result must be discarded.
	ErrRoundNotActive = errors.New("round is no longer active")

	// ErrInvalidTransition is returned for a phase change outside the
	// transition graph.
	ErrInvalidTransition = errors.New("invalid phase transition")
)
