// Package zenflake decodes the snowflake keys the engine hands out.
package zenflake

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	// NodeBits holds the number of bits to use for Node
	// Remember, you have a total 22 bits to share between Node/Step
	NodeBits uint8 = 10

	// StepBits holds the number of bits to use for Step
	// Remember, you have a total 22 bits to share between Node/Step
	StepBits uint8 = 12

	// internal values of bwmarrin/snowflake
	nodeMax   int64 = -1 ^ (-1 << NodeBits)
	nodeMask        = nodeMax << StepBits
	stepMask  int64 = -1 ^ (-1 << StepBits)
	timeShift       = NodeBits + StepBits
	nodeShift       = StepBits
)

func GetNodeMask() int64 {
	return nodeMask
}

// GetNodeId extracts the generator node id embedded in a key.
func GetNodeId(id int64) uint32 {
	maskedId := id & GetNodeMask()
	nodeId := maskedId >> int64(nodeShift)
	return uint32(nodeId)
}

// GetTime extracts the creation timestamp embedded in a key.
func GetTime(id int64) time.Time {
	ms := (id >> int64(timeShift)) + snowflake.Epoch
	return time.UnixMilli(ms)
}
