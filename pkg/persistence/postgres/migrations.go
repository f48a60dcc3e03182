package postgres

// migrations returns the numbered schema migrations for the engine tables.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flow_templates (
				id VARCHAR(255) PRIMARY KEY,
				template_key VARCHAR(255) NOT NULL,
				version INTEGER NOT NULL,
				engine_version VARCHAR(32) NOT NULL,
				trigger_type VARCHAR(128) NOT NULL,
				entry_node_id VARCHAR(255) NOT NULL,
				nodes JSONB NOT NULL,
				clinic_id VARCHAR(255),
				group_id VARCHAR(255),
				is_active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				published_at TIMESTAMP WITH TIME ZONE,
				UNIQUE (template_key, version)
			);

			CREATE INDEX idx_flow_templates_key ON flow_templates(template_key);
			CREATE INDEX idx_flow_templates_trigger ON flow_templates(trigger_type) WHERE is_active = true;
		`,
		2: `
			CREATE TABLE flow_executions (
				id VARCHAR(255) PRIMARY KEY,
				template_id VARCHAR(255) NOT NULL REFERENCES flow_templates(id),
				template_key VARCHAR(255) NOT NULL,
				template_version INTEGER NOT NULL,
				clinic_id VARCHAR(255) NOT NULL,
				group_id VARCHAR(255),
				subject_type VARCHAR(32) NOT NULL,
				subject_id VARCHAR(255) NOT NULL,
				current_node_id VARCHAR(255) NOT NULL,
				status VARCHAR(32) NOT NULL,
				context JSONB,
				wait_until TIMESTAMP WITH TIME ZONE,
				waiting_meta JSONB,
				cancel_requested BOOLEAN NOT NULL DEFAULT false,
				error_message TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				claimed_at TIMESTAMP WITH TIME ZONE,
				finished_at TIMESTAMP WITH TIME ZONE,
				CONSTRAINT chk_wait_until CHECK ((status = 'waiting') = (wait_until IS NOT NULL))
			);

			-- Index for the sweep's due-execution claim (most important query)
			CREATE INDEX idx_flow_executions_due ON flow_executions(wait_until) WHERE status = 'waiting';
			CREATE INDEX idx_flow_executions_subject ON flow_executions(clinic_id, subject_id);
		`,
		3: `
			CREATE TABLE flow_execution_logs (
				id VARCHAR(255) PRIMARY KEY,
				execution_id VARCHAR(255) NOT NULL REFERENCES flow_executions(id),
				node_id VARCHAR(255) NOT NULL,
				node_type VARCHAR(128) NOT NULL,
				status VARCHAR(32) NOT NULL,
				attempt INTEGER NOT NULL DEFAULT 1,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				finished_at TIMESTAMP WITH TIME ZONE,
				error_message TEXT,
				error_kind VARCHAR(64),
				audit_snapshot TEXT,
				encrypted_context_diff BYTEA
			);

			CREATE INDEX idx_flow_execution_logs_execution ON flow_execution_logs(execution_id, started_at);
			CREATE INDEX idx_flow_execution_logs_open ON flow_execution_logs(started_at) WHERE status = 'running';
		`,
		4: `
			CREATE TABLE flow_schedules (
				id VARCHAR(255) PRIMARY KEY,
				source_key VARCHAR(255) NOT NULL,
				clinic_id VARCHAR(255) NOT NULL,
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true
			);

			CREATE INDEX idx_flow_schedules_source_key ON flow_schedules(source_key);
			CREATE INDEX idx_flow_schedules_due ON flow_schedules(active, next_due_at) WHERE active = true;
		`,
	}
}
