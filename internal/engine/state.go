package engine

// State is the engine's externally observable condition, published to
// presentation adapters through Manager.OnStateChange. The engine itself
// never touches UI; a thin adapter subscribes and renders.
type State string

const (
	// StateUnsupported: a required capability is missing. Permanent;
	// all subscription controls stay disabled.
	StateUnsupported State = "unsupported"

	// StateNeedsPermission: permission has not been requested yet.
	StateNeedsPermission State = "needs-permission"

	// StateDenied: permission was refused. Terminal per installation
	// until changed in platform settings; adapters render a help
	// affordance, never a retry button.
	StateDenied State = "denied"

	// StateServerPushUnavailable: the server has no notification key.
	// Subscription toggling is disabled but permission flows still work.
	StateServerPushUnavailable State = "server-push-unavailable"

	// StateSubscribed: an active subscription descriptor exists.
	StateSubscribed State = "subscribed"

	// StateUnsubscribed: permission granted, no active subscription.
	StateUnsubscribed State = "unsubscribed"
)
