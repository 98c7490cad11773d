package server

import "github.com/fclairamb/goftpkernel/internal/registry"

// NewRegistry builds the production verb-dispatch table, wiring every
// handler in this package behind the authoritative preflight groups from
// spec.md §4.6.
func NewRegistry() *registry.Registry[*Session] {
	r := registry.New[*Session]()

	for _, verb := range registry.ClearBothVerbs {
		r.Register(verb, registry.PreflightClearBoth, handlerFor(verb))
	}

	for _, verb := range registry.ClearRenameVerbs {
		r.Register(verb, registry.PreflightClearRenameFrom, handlerFor(verb))
	}

	for _, verb := range registry.ClearRestartVerbs {
		r.Register(verb, registry.PreflightClearRestartOffset, handlerFor(verb))
	}

	// Verbs outside the three preflight groups get no latent-state clearing.
	for verb, h := range map[string]registry.Handler[*Session]{
		"ACCT": handleACCT,
		"SMNT": handleSMNT,
		"FEAT": handleFEAT,
		"OPTS": handleOPTS,
		"CLNT": handleCLNT,
		"NOOP": handleNOOP,
		"SIZE": handleSIZE,
		"MDTM": handleMDTM,
		"RNFR": handleRNFR,
	} {
		if _, ok := r.Lookup(verb); !ok {
			r.Register(verb, registry.PreflightNone, h)
		}
	}

	return r
}

// handlerFor maps a verb named in the authoritative preflight table to its
// handler function. RNFR, which is in none of the preflight groups, is
// registered separately in NewRegistry and never reaches this function.
func handlerFor(verb string) registry.Handler[*Session] {
	switch verb {
	case "USER":
		return handleUSER
	case "PASS":
		return handlePASS
	case "ACCT":
		return handleACCT
	case "CWD":
		return handleCWD
	case "CDUP":
		return handleCDUP
	case "SMNT":
		return handleSMNT
	case "QUIT":
		return handleQUIT
	case "REIN":
		return handleREIN
	case "PORT":
		return handlePORT
	case "PASV":
		return handlePASV
	case "TYPE":
		return handleTYPE
	case "STRU":
		return handleSTRU
	case "MODE":
		return handleMODE
	case "APPE":
		return handleAPPE
	case "LIST":
		return handleLIST
	case "NLST":
		return handleNLST
	case "DELE":
		return handleDELE
	case "RMD":
		return handleRMD
	case "MKD":
		return handleMKD
	case "PWD":
		return handlePWD
	case "ABOR":
		return handleABOR
	case "SYST":
		return handleSYST
	case "REST":
		return handleREST
	case "STOR":
		return handleSTOR
	case "RETR":
		return handleRETR
	case "RNTO":
		return handleRNTO
	default:
		return func(s *Session, arg string) error {
			return s.Reply(codeNotImplemented, "Command not implemented")
		}
	}
}
