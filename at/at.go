// Package at holds the vocabulary of the WNC AT dialect: command builders,
// response parsers and the unsolicited result code table. It performs no I/O.
package at

import "strings"

const (
	// Terminal Control
	CRLF = "\r\n"

	// Response Codes
	OK       = "OK"
	ERROR    = "ERROR"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	// Basic commands
	CmdAt            = "AT"
	CmdEchoOff       = "ATE0"
	CmdVerboseErrors = "AT+CMEE=2"
	CmdFirmware      = "AT+GMR"
	CmdTextMode      = "AT+CMGF=1"
	CmdSimStatus     = "AT+CPIN?"
	CmdSignal        = "AT+CSQ"
	CmdGPRSStatus    = "AT+CGATT?"
	CmdIMEI          = "AT+GSN"
	CmdICCID         = "AT%CCID"
	CmdBattery       = "AT+CBC"
	CmdClock         = "AT+CCLK?"
	CmdCellLocation  = "AT+QCELLLOC=1"
	CmdIPStats       = "AT+CGCONTRDP=1"
	CmdShutdown      = "AT@SHUTDOWN"
	CmdInternet      = "AT@INTERNET=1"
	CmdSockDial      = "AT@SOCKDIAL=1"

	// Network time
	CmdNITZOn       = "AT+QNITZ=1"
	CmdTimeZoneSync = "AT+CTZU=2"
	CmdFullFunction = "AT+CFUN=1"

	// Response prefixes
	RespVerboseErrors = "%CMEEU: 2"
	RespSockCreate    = "@SOCKCREAT:"
	RespSockWrite     = "@SOCKWRITE:"
	RespSockRead      = "@SOCKREAD:"
	RespSockDataInd   = "@SOCKDATAIND:"
	RespDNS           = "@DNSRESVDON:"
	RespSignal        = "+CSQ:"
	RespGPRS          = "+CGATT:"
	RespIPStats       = "+CGCONTRDP:"
	RespBattery       = "+CBC:"
	RespClock         = "+CCLK:"
	RespCellLocation  = "+QCELLLOC:"
	RespICCID         = "%CCID:"
	RespCREG          = "+CREG:"
	RespCGREG         = "+CGREG:"
	RespSimPIN        = "+CPIN: SIM PIN"

	// URCs (Unsolicited Result Codes)
	UrcNotify    = "%NOTIFY"
	UrcSMSReady  = "SMS Ready"
	UrcCallReady = "Call Ready"
	UrcSimReady  = "+CPIN: READY"
	UrcNTPDone   = "+QNTP: 0"
	UrcNTPFailed = "+QNTP: 5"
	UrcPDPDeact  = "+PDP DEACT"
)

// Protocol selects the transport protocol of a modem-side socket.
type Protocol int

const (
	TCP Protocol = 1
	UDP Protocol = 2
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "TCP"
	case UDP:
		return "UDP"
	default:
		return "Unknown"
	}
}

// IsFinal reports whether line terminates a command response.
func IsFinal(line string) bool {
	switch line {
	case OK, ERROR:
		return true
	}
	return strings.HasPrefix(line, CmeError) || strings.HasPrefix(line, CmsError)
}
