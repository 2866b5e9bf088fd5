package types

import "strings"

const (
	customerGIDPrefix = "gid://shopify/Customer/"
	orderGIDPrefix    = "gid://shopify/Order/"
)

// Order is the slice of a commerce order this service needs.
type Order struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	ConfirmationNumber string `json:"confirmationNumber,omitempty"`
	Email              string `json:"email,omitempty"`
	CustomerGID        string `json:"customerGid,omitempty"`
}

// NormalizeOrderName turns "1001" and " #1001 " into "#1001".
func NormalizeOrderName(orderNumber string) string {
	name := strings.TrimSpace(orderNumber)
	if name == "" {
		return ""
	}
	if !strings.HasPrefix(name, "#") {
		name = "#" + name
	}
	return name
}

// CustomerGID accepts either a numeric customer id or a full GID.
func CustomerGID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, "gid://") {
		return id
	}
	return customerGIDPrefix + id
}

// NumericID returns the trailing numeric part of a GID.
func NumericID(gid string) string {
	if gid == "" {
		return ""
	}
	if i := strings.LastIndex(gid, "/"); i >= 0 {
		return gid[i+1:]
	}
	return gid
}

func IsOrderGID(gid string) bool {
	return strings.HasPrefix(gid, orderGIDPrefix)
}
