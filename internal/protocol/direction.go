package protocol

// Direction is the flow of a frame relative to the local endpoint.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)
