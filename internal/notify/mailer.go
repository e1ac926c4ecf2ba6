// Package notify sends the post-checkout emails. Delivery is
// best-effort: an order is already committed by the time these run, so
// failures are reported to the caller for logging and nothing else.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/knovo/storefront/internal/config"
	"github.com/knovo/storefront/internal/models"
)

type Mailer struct {
	cfg config.SMTPConfig
}

func NewMailer(cfg config.SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Enabled reports whether SMTP credentials are configured. Without
// them both sends are silent no-ops, which keeps local development and
// tests from needing a mail server.
func (m *Mailer) Enabled() bool {
	return m.cfg.User != "" && m.cfg.Pass != ""
}

func (m *Mailer) SendOrderConfirmation(order *models.Order) error {
	subject := fmt.Sprintf("Order Confirmed — %s", order.OrderNumber)
	body := fmt.Sprintf(
		"Thank you for your order.\r\n\r\nYour order %s has been confirmed.\r\nTotal: CAD %s\r\n\r\nWe'll send you a shipping confirmation once your order is on its way.\r\n",
		order.OrderNumber, order.Total.StringFixed(2))
	return m.send(order.Address.Email, subject, body)
}

func (m *Mailer) SendSaleNotification(order *models.Order) error {
	if m.cfg.AdminEmail == "" {
		return nil
	}
	subject := fmt.Sprintf("New Order: %s", order.OrderNumber)
	body := fmt.Sprintf(
		"New order received.\r\n\r\nOrder: %s\r\nCustomer: %s\r\nTotal: CAD %s\r\n",
		order.OrderNumber, order.Address.Email, order.Total.StringFixed(2))
	return m.send(m.cfg.AdminEmail, subject, body)
}

func (m *Mailer) send(to, subject, body string) error {
	if !m.Enabled() {
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: KNOVO <%s>\r\n", m.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Pass, m.cfg.Host)
	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}
