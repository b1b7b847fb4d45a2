package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

// DatesSuite covers the birthday-boundary arithmetic used to reject underage holders.
type DatesSuite struct {
	suite.Suite
}

func TestDatesSuite(t *testing.T) {
	suite.Run(t, new(DatesSuite))
}

func (s *DatesSuite) TestParseDate() {
	d, err := ParseDate("1990-01-15")
	s.Require().NoError(err)
	s.Equal(time.Date(1990, 1, 15, 0, 0, 0, 0, time.UTC), d)

	for _, bad := range []string{"", "1990-1-15", "15/01/1990", "1990-02-30", "1990-01-15T00:00:00Z"} {
		_, err := ParseDate(bad)
		s.Error(err, bad)
	}
}

func (s *DatesSuite) TestIsAdult_BirthdayBoundaries() {
	birth := time.Date(2000, 1, 15, 0, 0, 0, 0, time.UTC)

	s.Run("exactly 18th birthday", func() {
		s.True(IsAdult(birth, time.Date(2018, 1, 15, 0, 0, 0, 0, time.UTC)))
	})
	s.Run("one second before", func() {
		s.False(IsAdult(birth, time.Date(2018, 1, 14, 23, 59, 59, 0, time.UTC)))
	})
	s.Run("17 years old", func() {
		s.False(IsAdult(birth, time.Date(2017, 6, 15, 0, 0, 0, 0, time.UTC)))
	})
}

func (s *DatesSuite) TestIsAdult_LeapDay() {
	birth := time.Date(2000, 2, 29, 0, 0, 0, 0, time.UTC)
	s.False(IsAdult(birth, time.Date(2018, 2, 28, 0, 0, 0, 0, time.UTC)))
	s.True(IsAdult(birth, time.Date(2018, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func (s *DatesSuite) TestIsAdult_Timezones() {
	pst := time.FixedZone("PST", -8*60*60)
	birth := time.Date(2000, 1, 15, 0, 0, 0, 0, pst)
	s.True(IsAdult(birth, time.Date(2018, 1, 15, 8, 0, 0, 0, time.UTC)))
}

func (s *DatesSuite) TestIsExpired() {
	expires := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	s.False(IsExpired(expires, time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)))
	s.True(IsExpired(expires, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)))
}
