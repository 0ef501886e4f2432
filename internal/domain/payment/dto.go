package payment

// CreateOrderRequest is the body of POST /payments/wechat/orders
type CreateOrderRequest struct {
	AmountFen int `json:"amount_fen" validate:"required,gt=0"`
}

// callbackAck is the response body the provider expects.
// Anything other than code SUCCESS triggers redelivery.
type callbackAck struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
