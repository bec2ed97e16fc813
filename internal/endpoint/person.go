package endpoint

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Person is the minimal endpoint specialization: it logs inbound
// messages and never replies to them.
type Person struct {
	log *logrus.Entry
}

// NewPerson returns a Handler suitable for NewBase.
func NewPerson(log *logrus.Entry) *Person {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Person{log: log}
}

func (p *Person) ReceiveMessage(ctx context.Context, senderID, message string) (string, error) {
	p.log.WithField("from", senderID).Infof("received message: %s", message)
	return "", nil
}
