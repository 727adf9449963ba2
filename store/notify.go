package store

import "github.com/maxpert/cdcroute/model"

// Notifier is told about every change appended through a notifying store
type Notifier interface {
	Signal(channelID string, dataID int64)
}

type notifyingStore struct {
	Store
	notifier Notifier
}

// WithNotifier wraps s so every successful AppendData is signalled to n
func WithNotifier(s Store, n Notifier) Store {
	return &notifyingStore{Store: s, notifier: n}
}

func (s *notifyingStore) AppendData(data *model.Data) (int64, error) {
	id, err := s.Store.AppendData(data)
	if err != nil {
		return id, err
	}
	s.notifier.Signal(data.ChannelID, id)
	return id, nil
}
