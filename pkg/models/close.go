package models

// WebSocket close codes sent by the gateway.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseInternalError   = 1011
	CloseIdleTimeout     = 4000
	CloseUnauthenticated = 4001
	CloseForbidden       = 4003
)

// Close reasons paired with the codes above.
const (
	ReasonReplaced     = "replaced by newer connection"
	ReasonShutdown     = "server shutting down"
	ReasonSlowConsumer = "delivery failed"
	ReasonIdle         = "idle timeout"
	ReasonUnauthorized = "authentication failed"
	ReasonTokenExpired = "token expired"
	ReasonForbidden    = "forbidden"
	ReasonUnavailable  = "authorization unavailable"
	ReasonProtocol     = "protocol violation"
	ReasonClientClosed = "client closed"
)
