package terminal

type commandGroup uint8

const (
	otherCmds commandGroup = iota
	traceCmds
	positionCmds
	dataCmds
)

type commandGroupDescription struct {
	description string
	group       commandGroup
}

var commandGroupDescriptions = []commandGroupDescription{
	{"Tracking the origin of values", traceCmds},
	{"Moving through the recording", positionCmds},
	{"Viewing machine state", dataCmds},
	{"Other commands", otherCmds},
}
