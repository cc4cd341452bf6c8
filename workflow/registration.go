package workflow

import (
	"errors"

	"github.com/oggycat-dev/sagabox/event"
	"github.com/oggycat-dev/sagabox/saga"
)

// RegistrationSagaName identifies the user registration workflow.
const RegistrationSagaName = "RegistrationSaga"

// States of the registration workflow.
const (
	RegistrationStarted saga.State = "Started"
	RegistrationOtpSent saga.State = "OtpSent"
	OtpVerified         saga.State = "OtpVerified"
	AuthUserCreated     saga.State = "AuthUserCreated"
	RegistrationUndoing saga.State = "RollingBack"
)

// Events consumed by the registration workflow.
const (
	UserRegistrationStartedEvent   = "UserRegistrationStarted"
	OtpNotificationSentEvent       = "OtpNotificationSent"
	OtpNotificationFailedEvent     = "OtpNotificationFailed"
	OtpVerifiedEvent               = "OtpVerified"
	OtpVerificationFailedEvent     = "OtpVerificationFailed"
	AuthUserCreatedEvent           = "AuthUserCreated"
	AuthUserCreationFailedEvent    = "AuthUserCreationFailed"
	UserProfileCreatedEvent        = "UserProfileCreated"
	UserProfileCreationFailedEvent = "UserProfileCreationFailed"
	AuthUserDeletedEvent           = "AuthUserDeleted"
)

// Commands emitted by the registration workflow.
const (
	SendOtpNotificationCommand     = "SendOtpNotification"
	CreateAuthUserCommand          = "CreateAuthUser"
	CreateUserProfileCommand       = "CreateUserProfile"
	SendWelcomeNotificationCommand = "SendWelcomeNotification"
	DeleteAuthUserCommand          = "DeleteAuthUser"
)

// Forward steps with remote side effects, recorded for compensation.
const (
	StepCreateAuthUser    = "CreateAuthUser"
	StepCreateUserProfile = "CreateUserProfile"
)

// Field keys snapshotted on the instance.
const (
	FieldEmail       = "email"
	FieldPhoneNumber = "phone_number"
	FieldFullName    = "full_name"
	FieldAuthUserId  = "auth_user_id"
)

// RegistrationStartedPayload opens a registration.
type RegistrationStartedPayload struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	FullName    string `json:"full_name"`
}

// AuthUserCreatedPayload reports the identifier assigned by the auth
// service.
type AuthUserCreatedPayload struct {
	AuthUserId string `json:"auth_user_id"`
}

// FailurePayload is the shared shape of every *Failed event.
type FailurePayload struct {
	Reason string `json:"reason"`
}

// SendOtpPayload is the command payload for the notification service.
type SendOtpPayload struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
}

// CreateAuthUserPayload is the command payload for the auth service.
type CreateAuthUserPayload struct {
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
}

// CreateUserProfilePayload is the command payload for the user service.
type CreateUserProfilePayload struct {
	AuthUserId string `json:"auth_user_id"`
	Email      string `json:"email"`
	FullName   string `json:"full_name"`
}

// WelcomePayload is the command payload for the welcome notification.
type WelcomePayload struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// DeleteAuthUserPayload is the compensating command payload for the auth
// service.
type DeleteAuthUserPayload struct {
	AuthUserId string `json:"auth_user_id"`
}

// NewRegistrationDefinition builds the registration saga: otp delivery and
// verification, auth user creation, profile creation and the welcome
// notification, with auth user deletion as the compensation when profile
// creation fails after the auth user already exists.
func NewRegistrationDefinition(sourceService string) *saga.Definition {
	d := &saga.Definition{
		Name:          RegistrationSagaName,
		SourceService: sourceService,
	}

	failTo := func(to saga.State) saga.Transition {
		return saga.Transition{
			To:    to,
			Apply: applyFailure,
		}
	}

	d.Transitions = map[saga.TransitionKey]saga.Transition{
		{From: saga.Initial, EventType: UserRegistrationStartedEvent}: {
			To: RegistrationStarted,
			Apply: func(i *saga.Instance, e *event.Envelope) error {
				var p RegistrationStartedPayload
				if err := e.Decode(&p); err != nil {
					return err
				}
				if p.Email == "" {
					return errors.New("a registration requires an email")
				}
				i.BusinessKey = p.Email
				i.Set(FieldEmail, p.Email)
				i.Set(FieldPhoneNumber, p.PhoneNumber)
				i.Set(FieldFullName, p.FullName)
				return nil
			},
			Emit: func(i *saga.Instance, _ *event.Envelope) ([]*event.Envelope, error) {
				out, err := d.NewEvent(i, SendOtpNotificationCommand, SendOtpPayload{
					Email:       i.Get(FieldEmail),
					PhoneNumber: i.Get(FieldPhoneNumber),
				})
				if err != nil {
					return nil, err
				}
				return []*event.Envelope{out}, nil
			},
		},

		{From: RegistrationStarted, EventType: OtpNotificationSentEvent}: {
			To: RegistrationOtpSent,
		},
		{From: RegistrationStarted, EventType: OtpNotificationFailedEvent}: failTo(saga.Failed),

		{From: RegistrationOtpSent, EventType: OtpVerifiedEvent}: {
			To: OtpVerified,
			Emit: func(i *saga.Instance, _ *event.Envelope) ([]*event.Envelope, error) {
				out, err := d.NewEvent(i, CreateAuthUserCommand, CreateAuthUserPayload{
					Email:       i.Get(FieldEmail),
					PhoneNumber: i.Get(FieldPhoneNumber),
				})
				if err != nil {
					return nil, err
				}
				return []*event.Envelope{out}, nil
			},
		},
		{From: RegistrationOtpSent, EventType: OtpVerificationFailedEvent}: failTo(saga.Failed),

		{From: OtpVerified, EventType: AuthUserCreatedEvent}: {
			To:   AuthUserCreated,
			Step: StepCreateAuthUser,
			Apply: func(i *saga.Instance, e *event.Envelope) error {
				var p AuthUserCreatedPayload
				if err := e.Decode(&p); err != nil {
					return err
				}
				if p.AuthUserId == "" {
					return errors.New("an auth user id is required")
				}
				i.Set(FieldAuthUserId, p.AuthUserId)
				return nil
			},
			Emit: func(i *saga.Instance, _ *event.Envelope) ([]*event.Envelope, error) {
				out, err := d.NewEvent(i, CreateUserProfileCommand, CreateUserProfilePayload{
					AuthUserId: i.Get(FieldAuthUserId),
					Email:      i.Get(FieldEmail),
					FullName:   i.Get(FieldFullName),
				})
				if err != nil {
					return nil, err
				}
				return []*event.Envelope{out}, nil
			},
		},
		{From: OtpVerified, EventType: AuthUserCreationFailedEvent}: failTo(saga.Failed),

		{From: AuthUserCreated, EventType: UserProfileCreatedEvent}: {
			To:   saga.Completed,
			Step: StepCreateUserProfile,
			Emit: func(i *saga.Instance, _ *event.Envelope) ([]*event.Envelope, error) {
				out, err := d.NewEvent(i, SendWelcomeNotificationCommand, WelcomePayload{
					Email:    i.Get(FieldEmail),
					FullName: i.Get(FieldFullName),
				})
				if err != nil {
					return nil, err
				}
				return []*event.Envelope{out}, nil
			},
		},

		// Profile creation failed after the auth user already exists: undo
		// the recorded steps before settling the instance.
		{From: AuthUserCreated, EventType: UserProfileCreationFailedEvent}: {
			To:         RegistrationUndoing,
			Apply:      applyFailure,
			Compensate: true,
		},

		{From: RegistrationUndoing, EventType: AuthUserDeletedEvent}: {
			To: saga.Compensated,
		},
	}

	d.Compensators = map[string]func(i *saga.Instance) (*event.Envelope, error){
		StepCreateAuthUser: func(i *saga.Instance) (*event.Envelope, error) {
			return d.NewEvent(i, DeleteAuthUserCommand, DeleteAuthUserPayload{
				AuthUserId: i.Get(FieldAuthUserId),
			})
		},
	}

	return d
}

func applyFailure(i *saga.Instance, e *event.Envelope) error {
	var p FailurePayload
	if err := e.Decode(&p); err != nil {
		return err
	}
	i.ErrorMessage = p.Reason
	return nil
}
