package render

const (
	TemplateVerification           = "verification"
	TemplateWelcome                = "welcome"
	TemplateCollectionConfirmation = "collection_confirmation"
	TemplateCollectionRequest      = "collection_request"
	TemplatePaymentReceived        = "payment_received"
	TemplateCollectionReminder     = "collection_reminder"
	TemplateHubUpdate              = "hub_update"
	TemplateHealthTokens           = "health_tokens"
)

var SMSTemplates = map[string]string{
	TemplateVerification:           "Your EcoCollect verification code is {{code}}. It expires in 10 minutes.",
	TemplateWelcome:                "Welcome to EcoCollect, {{name}}! Dial *920*55# any time to check your balance and find a hub.",
	TemplateCollectionConfirmation: "Collection confirmed: {{weight}}kg of {{plasticType}} at {{hubName}}. GHS {{amount}} has been added to your balance.",
	TemplateCollectionRequest:      "We received your {{plasticType}} collection request. A hub agent will confirm the weight on drop-off.",
	TemplatePaymentReceived:        "Payment of GHS {{amount}} sent to your mobile money wallet. Ref: {{reference}}.",
	TemplateCollectionReminder:     "Hi {{name}}, {{hubName}} is open today ({{hours}}). Bring your plastics and earn cash!",
	TemplateHubUpdate:              "Hub update: {{hubName}} - {{message}}",
	TemplateHealthTokens:           "You earned {{tokens}} health tokens. Redeem them at any partner clinic.",
}
