package job

import (
	"fmt"
	"net/http"

	"inviqa/mail-outbox-relay/log"
)

// SidecarQuitter asks a service mesh sidecar proxy to exit once a job is
// done, so that the job's pod can complete.
type SidecarQuitter struct {
	QuitSidecar     bool
	Client          httpPoster
	sidecarProxyUrl string
}

func (s *SidecarQuitter) EnableSideCarProxyQuit(proxyUrl string) {
	s.QuitSidecar = true
	s.sidecarProxyUrl = proxyUrl
}

func (s *SidecarQuitter) Quit() error {
	resp, err := s.Client.Post(s.sidecarProxyUrl+"/quitquitquit", "text/plain", nil)
	if err != nil {
		log.Logger.WithError(err).Error("unexpected error received from sidecar proxy /quitquitquit")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("sidecar proxy /quitquitquit responded with %s", resp.Status)
		log.Logger.WithError(err).Error("unexpected response received from sidecar proxy")
		return err
	}

	return nil
}
