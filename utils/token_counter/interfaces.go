package token_counter

import "github.com/FrenchMajesty/turbo-batch/clients"

type TokenCounterInterface interface {
	CountRequestTokens(req clients.Request) int
	EstimateChatMessageTokens(msg clients.Message) int
	CountTextTokens(text string) int
}
