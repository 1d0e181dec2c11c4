package sensor

import (
	"crypto/md5"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"codeberg.org/mutker/powerlog/internal/config"
	"codeberg.org/mutker/powerlog/internal/errors"
)

// fritzNoSession is the SID the box returns for a rejected login.
const fritzNoSession = "0000000000000000"

// fritzReader polls one FRITZ!Box smart plug over the AHA-HTTP
// interface. Every read performs the challenge-response login and
// queries the plug's power and voltage; current is derived from the
// two. Sessions are not cached: at the fast-tick cadence a fresh SID
// per read keeps the reader stateless.
type fritzReader struct {
	rail config.Rail
	http *http.Client
	now  func() time.Time
}

func newFritzReader(rail config.Rail) *fritzReader {
	return &fritzReader{
		rail: rail,
		http: &http.Client{
			Timeout: rail.Timeout,
			Transport: &http.Transport{
				// The box serves a self-signed certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		now: time.Now,
	}
}

type fritzSession struct {
	SID       string `xml:"SID"`
	Challenge string `xml:"Challenge"`
}

type fritzDeviceStats struct {
	Voltage struct {
		Stats []string `xml:"stats"`
	} `xml:"voltage"`
}

func (f *fritzReader) read() (Sample, error) {
	sid, err := f.login()
	if err != nil {
		return Sample{}, err
	}

	power, err := f.switchPower(sid) // mW
	if err != nil {
		return Sample{}, err
	}
	voltage, err := f.voltage(sid) // V
	if err != nil {
		return Sample{}, err
	}

	return Sample{
		Rail:    f.rail.Label,
		Voltage: voltage,
		Current: power / voltage, // mW / V = mA
		Power:   power,
		Time:    f.now(),
	}, nil
}

func (f *fritzReader) login() (string, error) {
	var session fritzSession
	if err := f.getXML(f.rail.URL+"/login_sid.lua", &session); err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("username", f.rail.User)
	query.Set("response", challengeResponse(session.Challenge, f.rail.Password))
	if err := f.getXML(f.rail.URL+"/login_sid.lua?"+query.Encode(), &session); err != nil {
		return "", err
	}

	if session.SID == "" || session.SID == fritzNoSession {
		return "", errors.New().WithData(ErrAuthFailed, "login rejected for user "+f.rail.User)
	}
	return session.SID, nil
}

// challengeResponse computes the AHA login response: the MD5 of
// "challenge-password" in UTF-16LE, appended to the challenge.
func challengeResponse(challenge, password string) string {
	codes := utf16.Encode([]rune(challenge + "-" + password))
	buf := make([]byte, 0, 2*len(codes))
	for _, c := range codes {
		buf = append(buf, byte(c), byte(c>>8))
	}
	sum := md5.Sum(buf)
	return fmt.Sprintf("%s-%x", challenge, sum)
}

func (f *fritzReader) switchPower(sid string) (float64, error) {
	body, err := f.command("getswitchpower", sid)
	if err != nil {
		return 0, err
	}
	power, err := strconv.ParseFloat(body, 64)
	if err != nil {
		return 0, errors.New().WithData(ErrBadPayload, "unparseable power reading: "+body)
	}
	return power, nil
}

// voltage reads the newest entry of the plug's voltage statistics,
// reported in units of 0.001V.
func (f *fritzReader) voltage(sid string) (float64, error) {
	body, err := f.command("getbasicdevicestats", sid)
	if err != nil {
		return 0, err
	}

	var stats fritzDeviceStats
	if err := xml.Unmarshal([]byte(body), &stats); err != nil {
		return 0, errors.New().Wrap(ErrBadPayload, err)
	}
	if len(stats.Voltage.Stats) == 0 {
		return 0, errors.New().WithData(ErrBadPayload, "no voltage statistics")
	}

	newest, _, _ := strings.Cut(stats.Voltage.Stats[0], ",")
	millivolts, err := strconv.ParseFloat(strings.TrimSpace(newest), 64)
	if err != nil || millivolts <= 0 {
		return 0, errors.New().WithData(ErrBadPayload, "unparseable voltage reading: "+newest)
	}
	return millivolts / 1000.0, nil
}

func (f *fritzReader) command(cmd, sid string) (string, error) {
	query := url.Values{}
	query.Set("switchcmd", cmd)
	query.Set("ain", f.rail.AIN)
	query.Set("sid", sid)

	resp, err := f.http.Get(f.rail.URL + "/webservices/homeautoswitch.lua?" + query.Encode())
	if err != nil {
		return "", errors.New().Wrap(ErrDeviceIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New().WithData(ErrBadStatus, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.New().Wrap(ErrDeviceIO, err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (f *fritzReader) getXML(rawURL string, v any) error {
	resp, err := f.http.Get(rawURL)
	if err != nil {
		return errors.New().Wrap(ErrDeviceIO, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.New().WithData(ErrBadStatus, resp.StatusCode)
	}
	if err := xml.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.New().Wrap(ErrBadPayload, err)
	}
	return nil
}
