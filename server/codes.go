// Package server implements the session state machine, command handlers,
// transfer worker and accept loop described in spec.md §4.7-4.10. It is
// grounded on the teacher's client_handler.go/server.go/handle_*.go,
// restructured around the new internal/protocol, internal/pathsec,
// internal/filelock, internal/vfs, internal/transport and
// internal/registry packages instead of the teacher's single flat package.
package server

// Reply codes used by the handlers below, the subset spec.md §6.1 and §7 enumerate.
const (
	codeDataOpen            = 120
	codeDataAlreadyOpen     = 125
	codePreliminary         = 150
	codeOK                  = 200
	codeFeatBody            = 211
	codeFileStatus          = 213
	codeSystemType          = 215
	codeReady               = 220
	codeClosing             = 221
	codeTransferComplete    = 226
	codeEnteringPassive     = 227
	codeLoggedIn            = 230
	codeFileActionOK        = 250
	codePathCreated         = 257
	codeNeedPassword        = 331
	codeNeedMoreInfo        = 350
	codeServiceNotAvailable = 421
	codeCantOpenData        = 425
	codeConnClosedAborted   = 426
	codeFileBusy            = 450
	codeLocalError          = 451
	codeSyntaxError         = 500
	codeSyntaxErrorArgs     = 501
	codeNotImplemented      = 502
	codeBadSequence         = 503
	codeNotImplementedParam = 504
	codeNotLoggedIn         = 530
	codeActionNotTaken      = 550
)
