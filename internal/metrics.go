package internal

import "expvar"

var (
	webhooksTotal   = expvar.NewMap("prrelay_webhooks_total")
	webhookErrors   = expvar.NewMap("prrelay_webhook_errors_total")
	deliveriesTotal = expvar.NewMap("prrelay_deliveries_total")
	sessionsTotal   = expvar.NewMap("prrelay_sessions_total")
	controlTotal    = expvar.NewMap("prrelay_control_frames_total")
)

func IncWebhook(kind string) {
	webhooksTotal.Add(kind, 1)
}

func IncWebhookError(reason string) {
	webhookErrors.Add(reason, 1)
}

func AddDeliveries(delivered, dropped int) {
	if delivered > 0 {
		deliveriesTotal.Add("delivered", int64(delivered))
	}
	if dropped > 0 {
		deliveriesTotal.Add("dropped", int64(dropped))
	}
}

func IncSession(event string) {
	sessionsTotal.Add(event, 1)
}

func IncControl(op string) {
	controlTotal.Add(op, 1)
}
