package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newCodedError creates an Error using the registered description for code.
func newCodedError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeBlocklistInitFailed  = "E1002"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeDNSResolutionFailed   = "E2001"
	ErrCodeConnectionTimeout     = "E2002"
	ErrCodeConnectionRefused     = "E2003"
	ErrCodeHostUnreachable       = "E2004"
	ErrCodeNetworkUnreachable    = "E2005"
	ErrCodeDialFailed            = "E2009"
	ErrCodeUpstreamConnectFailed = "E2010"

	// Request Handling Errors (E4000-E4999)
	ErrCodeRequestParseFailed  = "E4001"
	ErrCodeInvalidPort         = "E4002"
	ErrCodeRelayIOFailed       = "E4003"
	ErrCodeRelayIdleTimeout    = "E4004"
	ErrCodeResponseWriteFailed = "E4005"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeHTTPProxyConnectFailed = "E6004"
	ErrCodeCONNECTRequestFailed   = "E6005"
	ErrCodeCONNECTResponseFailed  = "E6006"
	ErrCodeProxyDenied            = "E6008"
	ErrCodeForwardRuleError       = "E6009"

	// Access Control Errors (E7000-E7999)
	ErrCodeBlocklistMatch      = "E7002"
	ErrCodeBlocklistReadFailed = "E7004"

	// Resource and Limit Errors (E9000-E9899)
	ErrCodeConcurrencyLimitReached = "E9006"

	// Internal Errors (E9900-E9999)
	ErrCodeInvalidStateTransition = "E9902"
	ErrCodePanicRecovered         = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeBlocklistInitFailed:  "Failed to initialize blocklist",

	ErrCodeDNSResolutionFailed:   "Failed to resolve target host",
	ErrCodeConnectionTimeout:     "Connection attempt timed out",
	ErrCodeConnectionRefused:     "Connection refused by target server",
	ErrCodeHostUnreachable:       "Target host is unreachable",
	ErrCodeNetworkUnreachable:    "Target network is unreachable",
	ErrCodeDialFailed:            "Failed to dial target address",
	ErrCodeUpstreamConnectFailed: "Failed to connect to upstream server",

	ErrCodeRequestParseFailed:  "Failed to parse request line",
	ErrCodeInvalidPort:         "Invalid port number",
	ErrCodeRelayIOFailed:       "Relay I/O failed",
	ErrCodeRelayIdleTimeout:    "Relay idle timeout exceeded",
	ErrCodeResponseWriteFailed: "Failed to write response to client",

	ErrCodeSOCKS5DialerFailed:     "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:    "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:    "Failed to dial HTTP proxy server",
	ErrCodeHTTPProxyConnectFailed: "HTTP proxy connection failed",
	ErrCodeCONNECTRequestFailed:   "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed:  "Failed to read CONNECT response",
	ErrCodeProxyDenied:            "Proxy request denied",
	ErrCodeForwardRuleError:       "Error in forwarding rule evaluation",

	ErrCodeBlocklistMatch:      "Host matches blocklist entry",
	ErrCodeBlocklistReadFailed: "Failed to read blocklist",

	ErrCodeConcurrencyLimitReached: "Concurrency limit reached",

	ErrCodeInvalidStateTransition: "Invalid connection state transition",
	ErrCodePanicRecovered:         "Recovered from panic condition",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}

func codeInRange(err error, from, to string) bool {
	code := ErrorCode(err)
	return code != "" && code >= from && code < to
}

// IsConnectionError reports whether err is an upstream connection failure,
// either direct or through a forward.
func IsConnectionError(err error) bool {
	return codeInRange(err, "E2000", "E3000") || IsProxyChainError(err)
}

// IsRequestError checks if the error is request handling related
func IsRequestError(err error) bool {
	return codeInRange(err, "E4000", "E5000")
}

// IsProxyChainError checks if the error is proxy chain-related
func IsProxyChainError(err error) bool {
	return codeInRange(err, "E6000", "E7000")
}

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool {
	return codeInRange(err, "E7000", "E8000")
}

// dialErrorCode maps a dial or lookup failure to its connection error code.
func dialErrorCode(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.As(err, &dnsErr):
		return ErrCodeDNSResolutionFailed
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrCodeConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ErrCodeHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		return ErrCodeNetworkUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrCodeConnectionTimeout
	default:
		return ErrCodeDialFailed
	}
}

// isClosedConnError reports errors that only mean the peer went away.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// Responses written verbatim to the client.
var (
	responseForbidden             = []byte("HTTP/1.1 403 Forbidden\r\n\r\n<h1>403 Forbidden</h1><p>Blocked by Proxy</p>")
	responseBadGateway            = []byte("HTTP/1.1 502 Bad Gateway\r\n\r\n")
	responseConnectionEstablished = []byte("HTTP/1.1 200 Connection Established\r\n\r\n")
)
