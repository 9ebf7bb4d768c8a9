package config

const defaultTemplate = `permissions:
  EMPLOYEE: []
  MANAGER: [user:read]
  RISK_OFFICER: [control:manage, policy:read, user:read, user:manage, notification:read]
  GROUP_ORM: [control:manage, policy:read, policy:import, user:read, user:manage, notification:read]

entities:
  incident:
    initial: DRAFT
    fields:
      - {name: title, kind: text}
      - {name: description, kind: text}
      - {name: start_time, kind: time}
      - {name: end_time, kind: time}
      - {name: discovered_at, kind: time}
      - {name: business_unit, kind: int}
      - {name: business_process, kind: int}
      - {name: basel_event_type, kind: int}
      - {name: gross_loss_amount, kind: amount}
      - {name: recovery_amount, kind: amount}
      - {name: currency_code, kind: text}
      - {name: near_miss, kind: bool}
      - {name: reviewed_by, kind: user}
      - {name: validated_by, kind: user}
      - {name: validated_at, kind: time}
      - {name: closed_by, kind: user}
      - {name: closed_at, kind: time}
    states:
      - {name: DRAFT, stage: draft}
      - {name: PENDING_REVIEW, stage: review}
      - {name: PENDING_VALIDATION, stage: validation}
      - {name: VALIDATED}
      - {name: CLOSED}
    create_roles: [EMPLOYEE, MANAGER, RISK_OFFICER, GROUP_ORM]
    transitions:
      - action: submit
        from: DRAFT
        to: PENDING_REVIEW
        roles: [CREATOR]
        assign: [actor_manager]
      - action: review
        from: PENDING_REVIEW
        to: PENDING_VALIDATION
        roles: [ASSIGNEE, CREATOR_MANAGER]
        assign: [risk_officer]
        record: [reviewed_by]
        route: true
      - action: return_to_draft
        from: PENDING_REVIEW
        to: DRAFT
        roles: [ASSIGNEE, CREATOR_MANAGER]
        assign: [none]
        reason: true
        note: Returned to Draft
      - action: validate
        from: PENDING_VALIDATION
        to: VALIDATED
        roles: [RISK_OFFICER, GROUP_ORM]
        assign: [none]
        record: [validated_by, validated_at]
      - action: return_to_review
        from: PENDING_VALIDATION
        to: PENDING_REVIEW
        roles: [RISK_OFFICER, GROUP_ORM]
        assign: [reviewed_by, creator_manager]
        reason: true
        note: Returned to Review
      - action: close
        from: VALIDATED
        to: CLOSED
        roles: [RISK_OFFICER, GROUP_ORM]
        assign: [none]
        record: [closed_by, closed_at]
    required:
      PENDING_REVIEW: [title, description, business_unit, discovered_at]
      PENDING_VALIDATION: [title, description, business_unit, discovered_at, gross_loss_amount, currency_code]
      VALIDATED: [basel_event_type, gross_loss_amount, currency_code, near_miss]
    editable:
      DRAFT:
        CREATOR: [title, description, start_time, end_time, discovered_at, business_unit, business_process, gross_loss_amount, recovery_amount, currency_code, near_miss]
        CREATOR_MANAGER: [title, description, start_time, end_time, discovered_at, business_unit, business_process, gross_loss_amount, recovery_amount, currency_code, near_miss]
      PENDING_REVIEW:
        ASSIGNEE: [description, business_unit, business_process, basel_event_type, gross_loss_amount, recovery_amount, currency_code, near_miss]
        CREATOR_MANAGER: [description, business_unit, business_process, basel_event_type, gross_loss_amount, recovery_amount, currency_code, near_miss]
      PENDING_VALIDATION:
        RISK_OFFICER: [basel_event_type, gross_loss_amount, recovery_amount, currency_code, near_miss, assignee]
        GROUP_ORM: [basel_event_type, gross_loss_amount, recovery_amount, currency_code, near_miss, assignee]
    delete:
      states: [DRAFT]
      roles: [CREATOR, RISK_OFFICER]
    sla:
      draft: {days: 7}
      review: {days: 5}
      validation: {days: 10}
    routing:
      fields:
        amount: gross_loss_amount
        classification: basel_event_type
        business_unit: business_unit
      rules:
        - id: large-loss
          description: Losses of one million and above are escalated to Group ORM
          min_amount: "1000000"
          target_role: GROUP_ORM
          priority: 10
    links:
      - {name: measures, target: measure}

  risk:
    initial: DRAFT
    fields:
      - {name: title, kind: text}
      - {name: description, kind: text}
      - {name: risk_category, kind: int}
      - {name: basel_event_type, kind: int}
      - {name: business_unit, kind: int}
      - {name: business_process, kind: int}
      - {name: inherent_likelihood, kind: int}
      - {name: inherent_impact, kind: int}
      - {name: residual_likelihood, kind: int}
      - {name: residual_impact, kind: int}
      - {name: next_review_date, kind: time}
      - {name: submitted_by, kind: user}
      - {name: submitted_at, kind: time}
      - {name: validated_by, kind: user}
      - {name: validated_at, kind: time}
      - {name: retirement_reason, kind: text}
    states:
      - {name: DRAFT, stage: draft}
      - {name: ASSESSED, stage: assessment}
      - {name: ACTIVE}
      - {name: RETIRED}
    create_roles: [MANAGER, RISK_OFFICER]
    transitions:
      - action: submit_for_review
        from: DRAFT
        to: ASSESSED
        roles: [MANAGER, RISK_OFFICER]
        record: [submitted_by, submitted_at]
      - action: activate
        from: DRAFT
        to: ACTIVE
        roles: [RISK_OFFICER]
        record: [validated_by, validated_at]
        guards:
          - kind: score_ceiling
            score: [residual_likelihood, residual_impact]
            ceiling: [inherent_likelihood, inherent_impact]
            message: residual risk score cannot exceed inherent risk score
      - action: approve
        from: ASSESSED
        to: ACTIVE
        roles: [RISK_OFFICER]
        record: [validated_by, validated_at]
        guards:
          - kind: score_ceiling
            score: [residual_likelihood, residual_impact]
            ceiling: [inherent_likelihood, inherent_impact]
            message: residual risk score cannot exceed inherent risk score
      - action: send_back
        from: ASSESSED
        to: DRAFT
        roles: [RISK_OFFICER]
        reason: true
        note: Sent back for revision
      - action: request_reassessment
        from: ACTIVE
        to: ASSESSED
        roles: [RISK_OFFICER]
        note: Reassessment requested
      - action: retire
        from: ASSESSED
        to: RETIRED
        roles: [RISK_OFFICER]
        reason: true
        reason_field: retirement_reason
        note: Retired
      - action: retire
        from: ACTIVE
        to: RETIRED
        roles: [RISK_OFFICER]
        reason: true
        reason_field: retirement_reason
        note: Retired
    required:
      ASSESSED: [title, description, risk_category, inherent_likelihood, inherent_impact]
      ACTIVE: [title, description, risk_category, basel_event_type, inherent_likelihood, inherent_impact, residual_likelihood, residual_impact]
    editable:
      DRAFT:
        MANAGER: [title, description, risk_category, basel_event_type, business_unit, business_process, inherent_likelihood, inherent_impact, residual_likelihood, residual_impact, next_review_date, assignee]
        RISK_OFFICER: [title, description, risk_category, basel_event_type, business_unit, business_process, inherent_likelihood, inherent_impact, residual_likelihood, residual_impact, next_review_date, assignee]
      ASSESSED:
        RISK_OFFICER: [risk_category, basel_event_type, residual_likelihood, residual_impact, next_review_date, assignee]
      ACTIVE:
        RISK_OFFICER: [residual_likelihood, residual_impact, next_review_date, assignee]
    delete:
      states: [DRAFT]
      roles: [CREATOR, RISK_OFFICER]
    sla:
      assessment: {days: 10}
    links:
      - {name: incidents, target: incident}
      - {name: measures, target: measure}
      - {name: controls, target: control, required_in: [ACTIVE]}

  measure:
    initial: OPEN
    fields:
      - {name: title, kind: text}
      - {name: description, kind: text}
      - {name: deadline, kind: time}
      - {name: closure_comment, kind: text}
      - {name: cancellation_reason, kind: text}
      - {name: completed_by, kind: user}
      - {name: completed_at, kind: time}
    states:
      - {name: OPEN, stage: open}
      - {name: IN_PROGRESS}
      - {name: PENDING_REVIEW, stage: review}
      - {name: COMPLETED}
      - {name: CANCELLED}
    create_roles: [MANAGER, RISK_OFFICER]
    transitions:
      - action: start_progress
        from: OPEN
        to: IN_PROGRESS
        roles: [ASSIGNEE, ASSIGNEE_MANAGER]
      - action: submit_for_review
        from: IN_PROGRESS
        to: PENDING_REVIEW
        roles: [ASSIGNEE, ASSIGNEE_MANAGER]
      - action: return_to_progress
        from: PENDING_REVIEW
        to: IN_PROGRESS
        roles: [RISK_OFFICER]
        reason: true
        note: Returned to progress
      - action: complete
        from: PENDING_REVIEW
        to: COMPLETED
        roles: [RISK_OFFICER]
        reason_field: closure_comment
        record: [completed_by, completed_at]
      - action: cancel
        from: IN_PROGRESS
        to: CANCELLED
        roles: [RISK_OFFICER]
        reason: true
        reason_field: cancellation_reason
        note: Cancelled
      - action: cancel
        from: PENDING_REVIEW
        to: CANCELLED
        roles: [RISK_OFFICER]
        reason: true
        reason_field: cancellation_reason
        note: Cancelled
    required:
      IN_PROGRESS: [assignee, deadline]
      PENDING_REVIEW: [assignee, description]
    editable:
      OPEN:
        CREATOR: [title, description, deadline, assignee]
        CREATOR_MANAGER: [title, description, deadline, assignee]
        ASSIGNEE: [description]
      IN_PROGRESS:
        ASSIGNEE: [description]
        ASSIGNEE_MANAGER: [description, deadline]
        RISK_OFFICER: [deadline, assignee]
      PENDING_REVIEW:
        RISK_OFFICER: [deadline]
    delete:
      states: [OPEN]
      roles: [CREATOR, CREATOR_MANAGER]
    sla:
      open: {days: 14}
      review: {days: 5}
    links:
      - {name: incidents, target: incident}
`
