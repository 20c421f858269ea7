package email

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log"
	"net/http"
	"time"
)

type EmailService struct {
	apiKey    string
	from      string
	templates *template.Template
}

type EmailData struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Html    string `json:"html"`
}

type SubscriptionActivatedData struct {
	Name string
}

type PaymentFailedData struct {
	Name       string
	GraceUntil time.Time
}

type GraceExpiredData struct {
	Name string
}

func NewEmailService(apiKey string) (*EmailService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("resend API key is required")
	}

	templates, err := loadTemplates()
	if err != nil {
		return nil, fmt.Errorf("error loading email templates: %v", err)
	}

	return &EmailService{
		apiKey:    apiKey,
		from:      "MealPage <noreply@mealpage.app>",
		templates: templates,
	}, nil
}

func (s *EmailService) sendTemplateEmail(to, subject, templateName string, data interface{}) error {
	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, templateName, data); err != nil {
		return fmt.Errorf("template execution error: %v", err)
	}

	emailData := EmailData{
		From:    s.from,
		To:      to,
		Subject: subject,
		Html:    body.String(),
	}

	jsonData, err := json.Marshal(emailData)
	if err != nil {
		return fmt.Errorf("error marshaling email data: %v", err)
	}

	req, err := http.NewRequest("POST", "https://api.resend.com/emails", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("error creating request: %v", err)
	}

	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending email: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("resend API error: %s", string(respBody))
	}

	log.Printf("Sent %q email to %s", subject, to)
	return nil
}

func (s *EmailService) SendSubscriptionActivatedEmail(email, name string) error {
	data := SubscriptionActivatedData{Name: name}
	return s.sendTemplateEmail(email, "Your MealPage Pro subscription is active! 🎉", "subscription_activated.html", data)
}

func (s *EmailService) SendPaymentFailedEmail(email, name string, graceUntil time.Time) error {
	data := PaymentFailedData{Name: name, GraceUntil: graceUntil}
	return s.sendTemplateEmail(email, "Payment issue with your MealPage subscription", "payment_failed.html", data)
}

func (s *EmailService) SendGraceExpiredEmail(email, name string) error {
	data := GraceExpiredData{Name: name}
	return s.sendTemplateEmail(email, "Your MealPage Pro access has ended", "grace_expired.html", data)
}
