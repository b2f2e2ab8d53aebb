package auth

import "fmt"

const (
	Issuer = "AvaProtocol"
	JwtAlg = "HS256"
)

var (
	ErrorUnAuthorized        = fmt.Errorf("Unauthorized error")
	ErrorInvalidToken        = fmt.Errorf("Invalid Bearer Token")
	ErrorMalformedAuthHeader = fmt.Errorf("Malform auth header")
	ErrorMissingSubject      = fmt.Errorf("Missing subject")
)
