// Package model holds the value types shared across depflow: device
// contexts, function properties, journal records and identifiers.
package model
