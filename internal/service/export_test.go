package service

var Next = next

const (
	Advance   = advance
	Fail      = fail
	Interrupt = interrupt
)
