package core

import (
	"fmt"
	"strconv"
	"strings"
)

// RetCode is a result code of the manager protocol. Codes below 90000 are
// sent by the trade server; the 90000 range is produced locally by the client.
type RetCode int

// Common result codes.
const (
	RetOK             RetCode = 0
	RetOKNone         RetCode = 1
	RetError          RetCode = 2
	RetErrParams      RetCode = 3
	RetErrData        RetCode = 4
	RetErrDisk        RetCode = 5
	RetErrMem         RetCode = 6
	RetErrNetwork     RetCode = 7
	RetErrPermissions RetCode = 8
	RetErrTimeout     RetCode = 9
	RetErrConnection  RetCode = 10
	RetErrNoService   RetCode = 11
	RetErrFrequent    RetCode = 12
	RetErrNotFound    RetCode = 13
	RetErrPartial     RetCode = 14
	RetErrShutdown    RetCode = 15
	RetErrCancel      RetCode = 16
	RetErrDuplicate   RetCode = 17
)

// Authentication result codes.
const (
	RetAuthClientInvalid   RetCode = 1000
	RetAuthAccountInvalid  RetCode = 1001
	RetAuthAccountDisabled RetCode = 1002
	RetAuthAdvanced        RetCode = 1003
	RetAuthCertificate     RetCode = 1004
	RetAuthCertificateBad  RetCode = 1005
	RetAuthNotConfirmed    RetCode = 1006
	RetAuthServerInternal  RetCode = 1007
	RetAuthServerBad       RetCode = 1008
	RetAuthUpdateOnly      RetCode = 1009
	RetAuthClientOld       RetCode = 1010
	RetAuthManagerNoConfig RetCode = 1011
	RetAuthManagerIPBlock  RetCode = 1012
	RetAuthGroupInvalid    RetCode = 1013
	RetAuthCADisabled      RetCode = 1014
	RetAuthInvalidID       RetCode = 1015
	RetAuthInvalidIP       RetCode = 1016
	RetAuthInvalidType     RetCode = 1017
	RetAuthServerBusy      RetCode = 1018
	RetAuthServerCert      RetCode = 1019
	RetAuthAccountUnknown  RetCode = 1020
	RetAuthServerOld       RetCode = 1021
	RetAuthServerLimit     RetCode = 1022
	RetAuthMobileDisabled  RetCode = 1023
)

// User management result codes.
const (
	RetUsrLastAdmin         RetCode = 3001
	RetUsrLoginExhausted    RetCode = 3002
	RetUsrLoginProhibited   RetCode = 3003
	RetUsrLoginExist        RetCode = 3004
	RetUsrSuicide           RetCode = 3005
	RetUsrInvalidPassword   RetCode = 3006
	RetUsrLimitReached      RetCode = 3007
	RetUsrHasTrades         RetCode = 3008
	RetUsrDifferentServers  RetCode = 3009
	RetUsrDifferentCurrency RetCode = 3010
	RetUsrImportBalance     RetCode = 3011
	RetUsrImportGroup       RetCode = 3012
	RetUsrAccountExist      RetCode = 3013
)

// Trade management result codes.
const (
	RetTradeLimitReached    RetCode = 4001
	RetTradeOrderExist      RetCode = 4002
	RetTradeOrderExhausted  RetCode = 4003
	RetTradeDealExhausted   RetCode = 4004
	RetTradeMaxMoney        RetCode = 4005
	RetTradeDealExist       RetCode = 4006
	RetTradeOrderProhibited RetCode = 4007
	RetTradeDealProhibited  RetCode = 4008
)

// Trade request result codes.
const (
	RetRequestInway          RetCode = 10001
	RetRequestAccepted       RetCode = 10002
	RetRequestProcess        RetCode = 10003
	RetRequestRequote        RetCode = 10004
	RetRequestPrices         RetCode = 10005
	RetRequestReject         RetCode = 10006
	RetRequestCancel         RetCode = 10007
	RetRequestPlaced         RetCode = 10008
	RetRequestDone           RetCode = 10009
	RetRequestDonePartial    RetCode = 10010
	RetRequestError          RetCode = 10011
	RetRequestTimeout        RetCode = 10012
	RetRequestInvalid        RetCode = 10013
	RetRequestInvalidVolume  RetCode = 10014
	RetRequestInvalidPrice   RetCode = 10015
	RetRequestInvalidStops   RetCode = 10016
	RetRequestTradeDisabled  RetCode = 10017
	RetRequestMarketClosed   RetCode = 10018
	RetRequestNoMoney        RetCode = 10019
	RetRequestPriceChanged   RetCode = 10020
	RetRequestPriceOff       RetCode = 10021
	RetRequestInvalidExp     RetCode = 10022
	RetRequestOrderChanged   RetCode = 10023
	RetRequestTooMany        RetCode = 10024
	RetRequestNoChanges      RetCode = 10025
	RetRequestAutoTradingOff RetCode = 10026
	RetRequestClientATOff    RetCode = 10027
	RetRequestLocked         RetCode = 10028
	RetRequestFrozen         RetCode = 10029
	RetRequestInvalidFill    RetCode = 10030
	RetRequestConnection     RetCode = 10031
)

// Client-side result codes. The server never sends these.
const (
	// RetClientEncoding reports a request field that cannot be encoded for the wire.
	RetClientEncoding RetCode = 90001
	// RetClientProtocol reports a malformed answer or a correlation mismatch.
	RetClientProtocol RetCode = 90002
	// RetClientNotConnected reports a command issued without an authenticated connection.
	RetClientNotConnected RetCode = 90003
	// RetClientUnknown is used when a server sends a code outside the known set.
	RetClientUnknown RetCode = 90004
)

var retMessages = map[RetCode]string{
	RetOK:             "Done",
	RetOKNone:         "OK, no data",
	RetError:          "Common error",
	RetErrParams:      "Invalid parameters",
	RetErrData:        "Invalid data",
	RetErrDisk:        "Disk error",
	RetErrMem:         "Memory error",
	RetErrNetwork:     "Network error",
	RetErrPermissions: "Not enough permissions",
	RetErrTimeout:     "Operation timeout",
	RetErrConnection:  "No connection",
	RetErrNoService:   "Service is not available",
	RetErrFrequent:    "Too frequent requests",
	RetErrNotFound:    "Not found",
	RetErrPartial:     "Partial error",
	RetErrShutdown:    "Server shutdown in progress",
	RetErrCancel:      "Operation has been canceled",
	RetErrDuplicate:   "Duplicate data",

	RetAuthClientInvalid:   "Invalid terminal type",
	RetAuthAccountInvalid:  "Invalid account",
	RetAuthAccountDisabled: "Account disabled",
	RetAuthAdvanced:        "Advanced authorization necessary",
	RetAuthCertificate:     "Certificate required",
	RetAuthCertificateBad:  "Invalid certificate",
	RetAuthNotConfirmed:    "Certificate is not confirmed",
	RetAuthServerInternal:  "Attempt to connect to non-access server",
	RetAuthServerBad:       "Server is not authenticated",
	RetAuthUpdateOnly:      "Only updates available",
	RetAuthClientOld:       "Old version",
	RetAuthManagerNoConfig: "Manager account does not have manager config",
	RetAuthManagerIPBlock:  "IP address unallowed for manager",
	RetAuthGroupInvalid:    "Group is not initialized (server restart necessary)",
	RetAuthCADisabled:      "Certificate generation impossible",
	RetAuthInvalidID:       "Invalid or disabled server id",
	RetAuthInvalidIP:       "Unallowed address",
	RetAuthInvalidType:     "Invalid server type",
	RetAuthServerBusy:      "Server is busy",
	RetAuthServerCert:      "Invalid server certificate",
	RetAuthAccountUnknown:  "Unknown account",
	RetAuthServerOld:       "Old server version",
	RetAuthServerLimit:     "Server cannot be connected due to license limitation",
	RetAuthMobileDisabled:  "Mobile connection aren't allowed in server license",

	RetUsrLastAdmin:         "Last admin account cannot be deleted",
	RetUsrLoginExhausted:    "Login range exhausted",
	RetUsrLoginProhibited:   "Account login is reserved",
	RetUsrLoginExist:        "Account with such login already exists",
	RetUsrSuicide:           "Attempt of self-deletion",
	RetUsrInvalidPassword:   "Invalid account password",
	RetUsrLimitReached:      "Users limit reached",
	RetUsrHasTrades:         "Account has open trades",
	RetUsrDifferentServers:  "Attempt to move account to a different server",
	RetUsrDifferentCurrency: "Attempt to move account to a group with different currency",
	RetUsrImportBalance:     "Account balance import error",
	RetUsrImportGroup:       "Imported account has an invalid group",
	RetUsrAccountExist:      "Account already exists",

	RetTradeLimitReached:    "Orders or deals limit reached",
	RetTradeOrderExist:      "Order already exists",
	RetTradeOrderExhausted:  "Orders range exhausted",
	RetTradeDealExhausted:   "Deals range exhausted",
	RetTradeMaxMoney:        "Money limit reached",
	RetTradeDealExist:       "Deal already exists",
	RetTradeOrderProhibited: "Order ticket is reserved",
	RetTradeDealProhibited:  "Deal ticket is reserved",

	RetRequestInway:          "Request on the way",
	RetRequestAccepted:       "Request accepted",
	RetRequestProcess:        "Request processed",
	RetRequestRequote:        "Requote",
	RetRequestPrices:         "Prices",
	RetRequestReject:         "Request rejected",
	RetRequestCancel:         "Request canceled",
	RetRequestPlaced:         "Order placed",
	RetRequestDone:           "Request done",
	RetRequestDonePartial:    "Request done partially",
	RetRequestError:          "Request error",
	RetRequestTimeout:        "Request timeout",
	RetRequestInvalid:        "Invalid request",
	RetRequestInvalidVolume:  "Invalid volume",
	RetRequestInvalidPrice:   "Invalid price",
	RetRequestInvalidStops:   "Invalid stops or price",
	RetRequestTradeDisabled:  "Trade disabled",
	RetRequestMarketClosed:   "Market closed",
	RetRequestNoMoney:        "Not enough money",
	RetRequestPriceChanged:   "Price changed",
	RetRequestPriceOff:       "No prices",
	RetRequestInvalidExp:     "Invalid order expiration",
	RetRequestOrderChanged:   "Order has been changed already",
	RetRequestTooMany:        "Too many trade requests",
	RetRequestNoChanges:      "Request doesn't contain changes",
	RetRequestAutoTradingOff: "Autotrading disabled on the server",
	RetRequestClientATOff:    "Autotrading disabled on the client side",
	RetRequestLocked:         "Request locked by the dealer",
	RetRequestFrozen:         "Order or position frozen",
	RetRequestInvalidFill:    "Unsupported fill mode",
	RetRequestConnection:     "No connection",

	RetClientEncoding:     "Request field cannot be encoded",
	RetClientProtocol:     "Malformed or mismatched answer",
	RetClientNotConnected: "Not connected",
	RetClientUnknown:      "Unknown result code",
}

// Message returns the human-readable description of the code.
func (c RetCode) Message() string {
	if msg, ok := retMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// String returns the code followed by its description, e.g. "10019 Not enough money".
func (c RetCode) String() string {
	return strconv.Itoa(int(c)) + " " + c.Message()
}

// Known reports whether the code belongs to the closed enumeration.
func (c RetCode) Known() bool {
	_, ok := retMessages[c]
	return ok
}

// IsOK reports success.
func (c RetCode) IsOK() bool {
	return c == RetOK
}

// IsConnection reports network, timeout and connection level failures.
func (c RetCode) IsConnection() bool {
	switch c {
	case RetErrNetwork, RetErrTimeout, RetErrConnection, RetErrNoService, RetErrShutdown, RetErrCancel, RetClientNotConnected:
		return true
	}
	return false
}

// IsAuth reports handshake level failures.
func (c RetCode) IsAuth() bool {
	return c >= RetAuthClientInvalid && c <= RetAuthMobileDisabled
}

// IsUser reports user management failures.
func (c RetCode) IsUser() bool {
	return c >= RetUsrLastAdmin && c <= RetUsrAccountExist
}

// IsTrade reports trade management and trade request failures.
func (c RetCode) IsTrade() bool {
	return (c >= RetTradeLimitReached && c <= RetTradeDealProhibited) ||
		(c >= RetRequestInway && c <= RetRequestConnection)
}

// IsClient reports codes produced locally by the client.
func (c RetCode) IsClient() bool {
	return c >= RetClientEncoding && c <= RetClientUnknown
}

// ParseRetCode reads a RETCODE value as sent by the server ("0 Done",
// "10019 Not enough money"). Only the leading integer is significant.
// Codes outside the known enumeration map to RetClientUnknown.
func ParseRetCode(s string) (RetCode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return RetClientProtocol, fmt.Errorf("empty retcode")
	}

	digits, _, _ := strings.Cut(s, " ")
	n, err := strconv.Atoi(digits)
	if err != nil {
		return RetClientProtocol, fmt.Errorf("retcode %q: %w", s, err)
	}

	code := RetCode(n)
	if !code.Known() {
		return RetClientUnknown, nil
	}
	return code, nil
}
