package messaging

import (
	"fmt"
	"strings"
)

// Topics published by server-side producers.
const (
	TopicTaskProgress   = "task:progress"
	TopicTaskStatus     = "task:status"
	TopicExchangeStatus = "exchange:status"
)

const klineSeparator = "@kline_"

// KlineChannel returns the topic for a symbol/period stream, e.g.
// KlineChannel("btcusdt", "1m") == "BTCUSDT@kline_1m".
func KlineChannel(symbol, period string) string {
	return strings.ToUpper(symbol) + klineSeparator + period
}

// ParseKlineChannel splits a kline topic into symbol and period.
func ParseKlineChannel(channel string) (symbol, period string, err error) {
	symbol, period, ok := strings.Cut(channel, klineSeparator)
	if !ok || symbol == "" || period == "" {
		return "", "", NewSubscriptionError(CodeInvalidTopic, fmt.Sprintf("%q is not a kline channel", channel), nil)
	}
	if symbol != strings.ToUpper(symbol) {
		return "", "", NewSubscriptionError(CodeInvalidTopic, fmt.Sprintf("%q symbol must be upper case", channel), nil)
	}
	return symbol, period, nil
}
