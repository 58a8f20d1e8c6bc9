package model

import "time"

// Collector is the read-only projection of a registered user used by USSD menus.
type Collector struct {
	ID            string  `db:"id" json:"id"`
	Name          string  `db:"name" json:"name"`
	PhoneNumber   string  `db:"phone_number" json:"phoneNumber"`
	Cash          float64 `db:"cash" json:"cash"`
	HealthTokens  int     `db:"health_tokens" json:"healthTokens"`
	TotalEarnings float64 `db:"total_earnings" json:"totalEarnings"`
}

type Collection struct {
	ID          string    `db:"id" json:"id"`
	Weight      float64   `db:"weight" json:"weight"`
	PlasticType string    `db:"plastic_type" json:"plasticType"`
	Amount      float64   `db:"amount" json:"amount"`
	Status      string    `db:"status" json:"status"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

type Hub struct {
	ID             string `db:"id" json:"id"`
	Name           string `db:"name" json:"name"`
	Address        string `db:"address" json:"address"`
	OperatingHours string `db:"operating_hours" json:"operatingHours"`
}
