package monitor

// Amounts travel as JSON strings or numbers; both are accepted and parsed
// as decimals by the handlers.
const amountSchema = `{"type": ["string", "number"], "pattern": "^[0-9]+(\\.[0-9]+)?$", "minimum": 0}`

// CreatePaymentSchema is the contract of POST /payments.
const CreatePaymentSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "CreatePayment",
	"type": "object",
	"properties": {
		"id": {"type": "string", "maxLength": 255},
		"backend": {"type": "string", "minLength": 1, "maxLength": 100},
		"amount": ` + amountSchema + `,
		"currency": {"type": "string", "pattern": "^[A-Za-z]{3}$"},
		"description": {"type": "string", "maxLength": 1024}
	},
	"required": ["backend", "amount", "currency"],
	"additionalProperties": false
}`

// AmountSchema is the contract of the charge and refund bodies.
// Charge may omit the amount; refund handlers require it.
const AmountSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "AmountRequest",
	"type": "object",
	"properties": {
		"amount": ` + amountSchema + `
	},
	"additionalProperties": false
}`
